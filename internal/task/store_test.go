// ABOUTME: Tests for the task store registry, persistence contract, and events.
// ABOUTME: Uses an in-memory fake persistence and a recording fake notifier.

package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePersistence is an in-memory Persistence for tests.
type fakePersistence struct {
	mu       sync.Mutex
	saved    map[string]*Task
	state    []byte
	preload  []*Task
	failSave error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{saved: make(map[string]*Task)}
}

func (p *fakePersistence) SaveTask(_ context.Context, t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSave != nil {
		return p.failSave
	}
	p.saved[t.ID] = t.clone()
	return nil
}

func (p *fakePersistence) SaveState(_ context.Context, state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = append([]byte(nil), state...)
	return nil
}

func (p *fakePersistence) LoadTasks(_ context.Context) ([]*Task, error) {
	return p.preload, nil
}

func (p *fakePersistence) DeleteTask(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.saved, id)
	return nil
}

func (p *fakePersistence) get(id string) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved[id]
}

// fakeNotifier records raised notifications.
type fakeNotifier struct {
	mu          sync.Mutex
	updated     []string // uri
	listChanged int
	targets     []string
}

func (n *fakeNotifier) NotifyResourceUpdated(_ context.Context, uri, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, uri)
	n.targets = append(n.targets, target)
}

func (n *fakeNotifier) NotifyResourceListChanged(_ context.Context, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listChanged++
}

func newTestStore(t *testing.T) (*Store, *fakePersistence, *fakeNotifier) {
	t.Helper()
	p := newFakePersistence()
	n := &fakeNotifier{}
	s, err := NewStore(context.Background(), p, n, nil)
	require.NoError(t, err)
	return s, p, n
}

func TestCreate_PersistsAndNotifies(t *testing.T) {
	s, p, n := newTestStore(t)

	created, err := s.Create(context.Background(), &Task{
		Description: "fix the build",
		AgentTool:   "claude",
	}, "client-1")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, StatusPending, created.Status)

	persisted := p.get(created.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, "fix the build", persisted.Description)

	assert.Equal(t, []string{"task://" + created.ID}, n.updated)
	assert.Equal(t, 1, n.listChanged)
	assert.NotEmpty(t, p.state, "aggregate state snapshot should be written")
}

func TestCreate_DuplicateIDDegradesToUpdate(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Create(context.Background(), &Task{ID: "t1", Description: "first"}, "")
	require.NoError(t, err)

	second, err := s.Create(context.Background(), &Task{ID: "t1", Description: "second"}, "")
	require.NoError(t, err)
	assert.Equal(t, "second", second.Description)

	assert.Len(t, s.List(Filter{}), 1, "no duplicate record may exist")
	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Description)
}

func TestGetAndFind_LookupPairContract(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)

	_, err = s.Get("t1")
	require.NoError(t, err)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Nil(t, s.Find("missing"))
}

func TestUpdate_StatusTransitions(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)

	inProgress := StatusInProgress
	_, err = s.Update(context.Background(), "t1", Update{Status: &inProgress}, "")
	require.NoError(t, err)

	completed := StatusCompleted
	_, err = s.Update(context.Background(), "t1", Update{Status: &completed}, "")
	require.NoError(t, err)

	// Terminal task is immutable.
	desc := "late edit"
	_, err = s.Update(context.Background(), "t1", Update{Description: &desc}, "")
	assert.ErrorIs(t, err, ErrTaskImmutable)
}

func TestUpdate_RejectsBackwardsTransition(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)

	inProgress := StatusInProgress
	_, err = s.Update(context.Background(), "t1", Update{Status: &inProgress}, "")
	require.NoError(t, err)

	pending := StatusPending
	_, err = s.Update(context.Background(), "t1", Update{Status: &pending}, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdate_MissingTask(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Update(context.Background(), "missing", Update{}, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdate_DoesNotSendListChanged(t *testing.T) {
	s, _, n := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)
	listChangedAfterCreate := n.listChanged

	completedStatus := StatusInProgress
	_, err = s.Update(context.Background(), "t1", Update{Status: &completedStatus}, "")
	require.NoError(t, err)

	assert.Equal(t, listChangedAfterCreate, n.listChanged,
		"list_changed is only for create/delete")
	assert.Contains(t, n.updated, "task://t1")
}

func TestAddLog_AllowedOnTerminalTask(t *testing.T) {
	s, p, _ := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)

	cancelled := StatusCancelled
	_, err = s.Update(context.Background(), "t1", Update{Status: &cancelled}, "")
	require.NoError(t, err)

	err = s.AddLog(context.Background(), "t1", LogEntry{
		Level:    LogLevelInfo,
		Category: LogCategorySystem,
		Message:  "session terminated",
	}, "")
	require.NoError(t, err)

	persisted := p.get("t1")
	require.Len(t, persisted.Logs, 1)
	assert.Equal(t, "session terminated", persisted.Logs[0].Message)
	assert.False(t, persisted.Logs[0].Timestamp.IsZero())
}

func TestList_OrderAndFilters(t *testing.T) {
	s, _, _ := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"t1", "t2", "t3"} {
		_, err := s.Create(context.Background(), &Task{
			ID:        id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}, "")
		require.NoError(t, err)
	}

	inProgress := StatusInProgress
	_, err := s.Update(context.Background(), "t2", Update{Status: &inProgress}, "")
	require.NoError(t, err)
	agent := "claude-abc"
	_, err = s.Update(context.Background(), "t2", Update{AssignedTo: &agent}, "")
	require.NoError(t, err)

	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ID, "newest first")
	assert.Equal(t, "t1", all[2].ID)

	byStatus := s.List(Filter{Status: &inProgress})
	require.Len(t, byStatus, 1)
	assert.Equal(t, "t2", byStatus[0].ID)

	pending := StatusPending
	byBoth := s.List(Filter{Status: &pending, AssignedTo: &agent})
	assert.Empty(t, byBoth, "filters compose conjunctively")
}

func TestDelete_IsIdempotent(t *testing.T) {
	s, p, n := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), "t1", ""))
	assert.Nil(t, p.get("t1"))
	assert.Equal(t, 2, n.listChanged, "create + delete")

	// Second delete is a no-op: no error, no extra notification.
	require.NoError(t, s.Delete(context.Background(), "t1", ""))
	assert.Equal(t, 2, n.listChanged)
}

func TestNewStore_ReloadsPersistedTasks(t *testing.T) {
	p := newFakePersistence()
	p.preload = []*Task{
		{ID: "old-1", Status: StatusCompleted, CreatedAt: time.Now().UTC()},
		{ID: "old-2", Status: StatusPending, CreatedAt: time.Now().UTC()},
	}

	s, err := NewStore(context.Background(), p, nil, nil)
	require.NoError(t, err)

	assert.Len(t, s.List(Filter{}), 2)
	got, err := s.Get("old-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCreate_PersistFailureSurfaces(t *testing.T) {
	p := newFakePersistence()
	s, err := NewStore(context.Background(), p, nil, nil)
	require.NoError(t, err)

	p.failSave = errors.New("disk full")
	_, err = s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.Error(t, err)
}

func TestSubscribe_ReceivesLifecycleEvents(t *testing.T) {
	s, _, _ := newTestStore(t)

	var mu sync.Mutex
	var events []EventType
	s.Subscribe(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)
	inProgress := StatusInProgress
	_, err = s.Update(context.Background(), "t1", Update{Status: &inProgress}, "")
	require.NoError(t, err)
	require.NoError(t, s.AddLog(context.Background(), "t1", LogEntry{Message: "hi"}, ""))
	require.NoError(t, s.Delete(context.Background(), "t1", ""))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventCreated, EventUpdated, EventLog, EventDeleted}, events)
}

func TestUpdate_ResultPayload(t *testing.T) {
	s, p, _ := newTestStore(t)
	_, err := s.Create(context.Background(), &Task{ID: "t1"}, "")
	require.NoError(t, err)

	result := json.RawMessage(`{"files_changed":3}`)
	updated, err := s.Update(context.Background(), "t1", Update{Result: result}, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"files_changed":3}`, string(updated.Result))
	assert.JSONEq(t, `{"files_changed":3}`, string(p.get("t1").Result))
}
