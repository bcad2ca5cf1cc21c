// ABOUTME: Task model, status lifecycle, and log entry types.
// ABOUTME: Status transitions are monotonic; terminal tasks accept only log appends.

package task

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrTaskNotFound indicates the referenced task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskImmutable indicates an update was attempted on a task already in a
// terminal status. Terminal tasks accept log appends only.
var ErrTaskImmutable = errors.New("task is in a terminal status")

// ErrInvalidTransition indicates a status change that would move backwards
// in the task lifecycle.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition reports whether a status change is allowed. Transitions are
// monotonic: pending -> in_progress -> {completed, failed, cancelled}, with
// pending allowed to jump straight to a terminal state. Same-status updates
// are permitted so retried requests stay idempotent.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusInProgress || to.Terminal()
	case StatusInProgress:
		return to.Terminal()
	default:
		return false
	}
}

// Log levels for task log entries.
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// Log categories for task log entries.
const (
	LogCategorySystem  = "system"
	LogCategoryAgent   = "agent"
	LogCategoryCommand = "command"
)

// LogEntry is one ordered log line attached to a task.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

// Task is a unit of requested work tracked through a status lifecycle.
type Task struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	AgentTool   string          `json:"agent_tool"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Logs        []LogEntry      `json:"logs,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
}

// clone returns a snapshot safe to hand out of the store.
func (t *Task) clone() *Task {
	c := *t
	c.Logs = append([]LogEntry(nil), t.Logs...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	return &c
}

// URI returns the resource URI used in task notifications.
func (t *Task) URI() string {
	return "task://" + t.ID
}

// Update describes a partial task mutation. Nil fields are left unchanged.
type Update struct {
	Description *string
	Status      *Status
	Result      json.RawMessage
	Error       *string
	AssignedTo  *string
}

// Filter selects tasks in List queries. Conditions compose conjunctively.
type Filter struct {
	Status     *Status
	AssignedTo *string
}

func (f Filter) matches(t *Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.AssignedTo != nil && t.AssignedTo != *f.AssignedTo {
		return false
	}
	return true
}
