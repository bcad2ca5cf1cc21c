// ABOUTME: Authoritative task registry with write-through persistence and event emission.
// ABOUTME: Every mutation persists the full record, emits an event, and raises a notification.

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persistence is the durable storage collaborator for tasks. Writes must be
// idempotent under repeated saves of the same task id.
type Persistence interface {
	SaveTask(ctx context.Context, t *Task) error
	SaveState(ctx context.Context, state []byte) error
	LoadTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Notifier raises protocol notifications for task mutations. An empty
// target session id means broadcast.
type Notifier interface {
	NotifyResourceUpdated(ctx context.Context, uri, targetSessionID string)
	NotifyResourceListChanged(ctx context.Context, targetSessionID string)
}

// EventType categorizes task store events.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventLog     EventType = "log"
	EventDeleted EventType = "deleted"
)

// Event is an internal task store event consumed by in-process subscribers.
type Event struct {
	Type EventType
	Task *Task
}

// Store is the authoritative task registry. All task mutations in the
// process go through it; no other component mutates task state directly.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	persistence Persistence
	notifier    Notifier

	subMu       sync.RWMutex
	subscribers []func(Event)

	logger *slog.Logger
}

// NewStore creates a task store and reloads all previously persisted tasks
// into memory before it accepts requests. Notifier may be nil.
func NewStore(ctx context.Context, persistence Persistence, notifier Notifier, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		tasks:       make(map[string]*Task),
		persistence: persistence,
		notifier:    notifier,
		logger:      logger.With("component", "tasks"),
	}

	loaded, err := persistence.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading persisted tasks: %w", err)
	}
	for _, t := range loaded {
		s.tasks[t.ID] = t
	}

	s.logger.Info("task store initialized", "tasks", len(loaded))
	return s, nil
}

// Subscribe registers a callback invoked synchronously for every task event.
func (s *Store) Subscribe(fn func(Event)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) emit(event Event) {
	s.subMu.RLock()
	subs := append(([]func(Event))(nil), s.subscribers...)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// Create registers a new task. A duplicate id is treated as a retried
// request and degrades to an update with a warning instead of failing.
// The originating client session, when known, receives the notifications;
// otherwise they broadcast.
func (s *Store) Create(ctx context.Context, t *Task, clientSessionID string) (*Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}

	s.mu.Lock()
	if existing, ok := s.tasks[t.ID]; ok {
		s.mu.Unlock()
		s.logger.Warn("duplicate task id on create, treating as update",
			"task_id", t.ID,
		)
		desc := t.Description
		return s.Update(ctx, existing.ID, Update{Description: &desc}, clientSessionID)
	}
	stored := t.clone()
	s.tasks[t.ID] = stored
	s.mu.Unlock()

	if err := s.persistence.SaveTask(ctx, stored); err != nil {
		return nil, fmt.Errorf("persisting task %s: %w", t.ID, err)
	}
	s.saveStateSnapshot(ctx)

	s.logger.Info("task created", "task_id", t.ID, "agent_tool", t.AgentTool)
	s.emit(Event{Type: EventCreated, Task: stored.clone()})
	if s.notifier != nil {
		s.notifier.NotifyResourceUpdated(ctx, stored.URI(), clientSessionID)
		s.notifier.NotifyResourceListChanged(ctx, clientSessionID)
	}
	return stored.clone(), nil
}

// Get returns the task with the given id or ErrTaskNotFound.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// Find is the non-throwing counterpart of Get: nil when the task is absent.
func (s *Store) Find(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	return t.clone()
}

// Update applies a partial mutation. Terminal tasks are immutable except
// for log appends; backwards status transitions are rejected.
func (s *Store) Update(ctx context.Context, id string, u Update, clientSessionID string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (%s)", ErrTaskImmutable, id, t.Status)
	}
	if u.Status != nil && !canTransition(t.Status, *u.Status) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, *u.Status)
	}

	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Result != nil {
		t.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.AssignedTo != nil {
		t.AssignedTo = *u.AssignedTo
	}
	t.UpdatedAt = time.Now().UTC()
	snapshot := t.clone()
	s.mu.Unlock()

	if err := s.persistence.SaveTask(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("persisting task %s: %w", id, err)
	}
	s.saveStateSnapshot(ctx)

	s.logger.Debug("task updated", "task_id", id, "status", snapshot.Status)
	s.emit(Event{Type: EventUpdated, Task: snapshot.clone()})
	if s.notifier != nil {
		s.notifier.NotifyResourceUpdated(ctx, snapshot.URI(), clientSessionID)
	}
	return snapshot, nil
}

// AddLog appends a log entry. Log appends are the one mutation allowed on
// terminal tasks.
func (s *Store) AddLog(ctx context.Context, id string, entry LogEntry, clientSessionID string) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = LogLevelInfo
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.Logs = append(t.Logs, entry)
	t.UpdatedAt = time.Now().UTC()
	snapshot := t.clone()
	s.mu.Unlock()

	if err := s.persistence.SaveTask(ctx, snapshot); err != nil {
		return fmt.Errorf("persisting task %s: %w", id, err)
	}

	s.emit(Event{Type: EventLog, Task: snapshot.clone()})
	if s.notifier != nil {
		s.notifier.NotifyResourceUpdated(ctx, snapshot.URI(), clientSessionID)
	}
	return nil
}

// List returns tasks matching the filter, ordered by creation time
// descending.
func (s *Store) List(filter Filter) []*Task {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.matches(t) {
			out = append(out, t.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes a task. Deleting a task that does not exist is a no-op so
// retried deletes stay idempotent.
func (s *Store) Delete(ctx context.Context, id string, clientSessionID string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	snapshot := t.clone()
	delete(s.tasks, id)
	s.mu.Unlock()

	if err := s.persistence.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	s.saveStateSnapshot(ctx)

	s.logger.Info("task deleted", "task_id", id)
	s.emit(Event{Type: EventDeleted, Task: snapshot})
	if s.notifier != nil {
		s.notifier.NotifyResourceUpdated(ctx, snapshot.URI(), clientSessionID)
		s.notifier.NotifyResourceListChanged(ctx, clientSessionID)
	}
	return nil
}

// saveStateSnapshot persists an aggregate state blob (task counts by
// status). Failures are logged only: the snapshot is advisory, the
// authoritative records are the per-task rows.
func (s *Store) saveStateSnapshot(ctx context.Context) {
	s.mu.RLock()
	counts := make(map[Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	total := len(s.tasks)
	s.mu.RUnlock()

	state, err := json.Marshal(map[string]any{
		"total":      total,
		"by_status":  counts,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := s.persistence.SaveState(ctx, state); err != nil {
		s.logger.Warn("saving state snapshot failed", "error", err)
	}
}
