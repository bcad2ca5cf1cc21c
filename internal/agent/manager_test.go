// ABOUTME: Tests for the agent manager: dispatch serialization, status restore, lifecycle.
// ABOUTME: Uses a scripted fake driver and a recording fake task store.

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-orchestrator/internal/session"
	"github.com/2389/coven-orchestrator/internal/task"
)

// fakeDriver is a scriptable Driver for manager tests.
type fakeDriver struct {
	mu       sync.Mutex
	started  []Config
	commands []string
	ended    []string

	startErr   error
	sendErr    error
	sendResult *CommandResult
	endErr     error

	events Events
}

func (d *fakeDriver) StartSession(_ context.Context, cfg Config) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return "", d.startErr
	}
	d.started = append(d.started, cfg)
	return "svc-" + cfg.AgentType, nil
}

func (d *fakeDriver) SendCommand(_ context.Context, sess *session.AgentSession, command string, _ time.Duration) (*CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	if d.sendResult != nil {
		return d.sendResult, nil
	}
	return &CommandResult{Success: true, Output: "done"}, nil
}

func (d *fakeDriver) EndSession(_ context.Context, sess *session.AgentSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = append(d.ended, sess.ID)
	return d.endErr
}

func (d *fakeDriver) RegisterEvents(events Events) {
	d.events = events
}

func (d *fakeDriver) commandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commands)
}

// fakeTasks records task mutations made by the manager.
type fakeTasks struct {
	mu      sync.Mutex
	logs    []task.LogEntry
	updates []task.Update
}

func (f *fakeTasks) AddLog(_ context.Context, _ string, entry task.LogEntry, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeTasks) Update(_ context.Context, _ string, u task.Update, _ string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return &task.Task{}, nil
}

func newTestManager(t *testing.T) (*Manager, *session.Registry, *fakeDriver, *fakeTasks) {
	t.Helper()
	registry := session.NewRegistry(nil)
	tasks := &fakeTasks{}
	m := NewManager(registry, tasks, nil)
	driver := &fakeDriver{}
	m.RegisterDriver("claude", driver)
	return m, registry, driver, tasks
}

func TestStartSession_RegistersAndEmitsEvent(t *testing.T) {
	m, _, driver, _ := newTestManager(t)

	var events []SessionEvent
	m.Subscribe(func(e SessionEvent) { events = append(events, e) })

	id, err := m.StartSession(context.Background(), Config{
		AgentType:  "claude",
		WorkingDir: "/workspace/api",
		TaskID:     "t1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "svc-claude", sess.ServiceSessionID)
	assert.Equal(t, "t1", sess.TaskID)

	require.Len(t, driver.started, 1)
	require.Len(t, events, 1)
	assert.Equal(t, SessionCreated, events[0].Type)
	assert.Equal(t, id, events[0].SessionID)
}

func TestStartSession_UnknownType(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.StartSession(context.Background(), Config{AgentType: "codex", WorkingDir: "/w"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSessionType)
}

func TestSendCommand_Success(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
	require.NoError(t, err)

	result, err := m.SendCommand(context.Background(), id, "echo hi", 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Output)

	sess, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status, "session returns to active")
	assert.Contains(t, sess.Output, "done")
}

func TestSendCommand_MissingSession(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.SendCommand(context.Background(), "does-not-exist", "echo hi", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSendCommand_BusySessionReturnsStructuredFailure(t *testing.T) {
	m, registry, driver, _ := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
	require.NoError(t, err)

	require.NoError(t, registry.UpdateStatus(id, session.StatusBusy))
	before := driver.commandCount()

	result, err := m.SendCommand(context.Background(), id, "echo hi", 0)
	require.NoError(t, err, "busy is an expected condition, not an error")
	assert.False(t, result.Success)
	assert.Equal(t, CodeSessionNotActive, result.Code)
	assert.Equal(t, before, driver.commandCount(), "driver must not be invoked")
}

func TestSendCommand_DriverErrorRestoresActiveStatus(t *testing.T) {
	m, _, driver, _ := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
	require.NoError(t, err)

	driver.sendErr = errors.New("transient proxy failure")
	_, err = m.SendCommand(context.Background(), id, "echo hi", 0)
	require.Error(t, err)

	sess, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status,
		"command failure never leaves a session stuck busy")
}

func TestSendCommand_ServiceFailureMarksSessionAndTask(t *testing.T) {
	m, _, driver, tasks := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{
		AgentType:  "claude",
		WorkingDir: "/w",
		TaskID:     "t1",
	})
	require.NoError(t, err)

	driver.sendErr = &ServiceFailure{Reason: "credit balance is too low"}
	_, err = m.SendCommand(context.Background(), id, "echo hi", 0)
	require.Error(t, err)

	sess, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)

	tasks.mu.Lock()
	defer tasks.mu.Unlock()
	require.Len(t, tasks.updates, 1)
	require.NotNil(t, tasks.updates[0].Status)
	assert.Equal(t, task.StatusFailed, *tasks.updates[0].Status)
	require.NotNil(t, tasks.updates[0].Error)
	assert.Contains(t, *tasks.updates[0].Error, "credit balance")
}

func TestEndSession_Success(t *testing.T) {
	m, _, driver, tasks := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{
		AgentType:  "claude",
		WorkingDir: "/w",
		TaskID:     "t1",
	})
	require.NoError(t, err)

	var events []SessionEvent
	m.Subscribe(func(e SessionEvent) { events = append(events, e) })

	ok := m.EndSession(context.Background(), id)
	assert.True(t, ok)
	assert.Nil(t, m.FindSession(id), "session removed from registry")
	assert.Len(t, driver.ended, 1)

	tasks.mu.Lock()
	require.Len(t, tasks.logs, 1)
	assert.Contains(t, tasks.logs[0].Message, "terminated")
	tasks.mu.Unlock()

	require.Len(t, events, 1)
	assert.Equal(t, SessionEnded, events[0].Type)
}

func TestEndSession_MissingSessionReturnsFalse(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	assert.False(t, m.EndSession(context.Background(), "does-not-exist"))
}

func TestEndSession_TeardownFailureStillRemovesSession(t *testing.T) {
	m, _, driver, _ := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
	require.NoError(t, err)

	driver.endErr = errors.New("service unreachable")
	ok := m.EndSession(context.Background(), id)
	assert.False(t, ok)
	assert.Nil(t, m.FindSession(id), "cleanup proceeds despite teardown failure")
}

func TestMetricsAndListing(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
		require.NoError(t, err)
	}

	assert.Len(t, m.ListAll(), 3)
	assert.Len(t, m.ListByType("claude"), 3)
	assert.Empty(t, m.ListByType("codex"))

	metrics := m.Metrics()
	assert.Equal(t, 3, metrics.Total)
	assert.Equal(t, 3, metrics.ByStatus[session.StatusActive])
}

func TestManagerEvents_ProgressAppendsOutput(t *testing.T) {
	m, _, driver, _ := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
	require.NoError(t, err)

	driver.events.SessionProgress("svc-claude", "compiling...")

	sess, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Contains(t, sess.Output, "compiling...")
}

func TestManagerEvents_FailedMarksError(t *testing.T) {
	m, _, driver, _ := newTestManager(t)
	id, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/w"})
	require.NoError(t, err)

	driver.events.SessionFailed("svc-claude", errors.New("process exited"))

	sess, err := m.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
}

func TestSendCommand_ConcurrentSessionsProceedIndependently(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	id1, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/a"})
	require.NoError(t, err)
	id2, err := m.StartSession(context.Background(), Config{AgentType: "claude", WorkingDir: "/b"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{id1, id2} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := m.SendCommand(context.Background(), id, "echo hi", 0)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{id1, id2} {
		sess, err := m.GetSession(id)
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, sess.Status)
	}
}
