// ABOUTME: In-memory registry of active agent sessions keyed by session id.
// ABOUTME: Pure bookkeeping: state transitions, activity timestamps, and recent output buffers.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates the referenced session id is absent from the
// registry. A missing session is always a hard error, never a silent no-op.
var ErrSessionNotFound = errors.New("session not found")

// Status represents the lifecycle state of an agent session.
type Status string

const (
	// StatusConnecting is the transient state before the underlying
	// service reports ready. Drivers flip it to active.
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusBusy       Status = "busy"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// ringBufferSize bounds the recent output and error chunk buffers per session.
const ringBufferSize = 64

// AgentSession is a live handle to an underlying coding-agent service.
type AgentSession struct {
	ID               string
	Type             string
	ServiceSessionID string
	Status           Status
	WorkingDir       string
	TaskID           string
	ClientSessionID  string
	CreatedAt        time.Time
	LastActivity     time.Time

	// Output and Errors hold the most recent stream chunks, oldest first.
	Output []string
	Errors []string
}

// clone returns a snapshot safe to hand out of the registry.
func (s *AgentSession) clone() *AgentSession {
	c := *s
	c.Output = append([]string(nil), s.Output...)
	c.Errors = append([]string(nil), s.Errors...)
	return &c
}

// Metrics summarizes the registry contents.
type Metrics struct {
	Total    int
	ByStatus map[Status]int
	ByType   map[string]int
}

// Registry tracks active agent sessions. It holds no business logic about
// what a session does, only bookkeeping, and therefore has no dependency on
// any session driver.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*AgentSession
	byService map[string]string // service session handle -> session id
	logger    *slog.Logger
}

// NewRegistry creates an empty session registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:  make(map[string]*AgentSession),
		byService: make(map[string]string),
		logger:    logger.With("component", "sessions"),
	}
}

// Create registers a new session with a type-prefixed unique id and an
// initial status of active.
func (r *Registry) Create(sessionType, serviceSessionID, workingDir, taskID, clientSessionID string) *AgentSession {
	now := time.Now().UTC()
	sess := &AgentSession{
		ID:               fmt.Sprintf("%s-%s", sessionType, uuid.New().String()),
		Type:             sessionType,
		ServiceSessionID: serviceSessionID,
		Status:           StatusActive,
		WorkingDir:       workingDir,
		TaskID:           taskID,
		ClientSessionID:  clientSessionID,
		CreatedAt:        now,
		LastActivity:     now,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	if serviceSessionID != "" {
		r.byService[serviceSessionID] = sess.ID
	}
	r.mu.Unlock()

	r.logger.Info("session created",
		"session_id", sess.ID,
		"type", sessionType,
		"working_dir", workingDir,
		"task_id", taskID,
	)
	return sess.clone()
}

// Get returns the session with the given id or ErrSessionNotFound.
func (r *Registry) Get(id string) (*AgentSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.clone(), nil
}

// Find is the non-throwing counterpart of Get: it returns nil when the
// session does not exist.
func (r *Registry) Find(id string) *AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return sess.clone()
}

// FindByServiceID looks a session up by the underlying service's own
// session handle. Returns nil when no session matches.
func (r *Registry) FindByServiceID(serviceSessionID string) *AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byService[serviceSessionID]
	if !ok {
		return nil
	}
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return sess.clone()
}

// UpdateStatus transitions a session to the given status and refreshes its
// activity timestamp.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Status = status
	sess.LastActivity = time.Now().UTC()
	return nil
}

// ClaimBusy atomically transitions an active session to busy. It returns the
// session's current status and whether the claim succeeded, so a losing
// caller can report what state it observed. Exactly one of several
// concurrent claimants wins.
func (r *Registry) ClaimBusy(id string) (Status, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.Status != StatusActive {
		return sess.Status, false, nil
	}
	sess.Status = StatusBusy
	sess.LastActivity = time.Now().UTC()
	return StatusBusy, true, nil
}

// UpdateActivity refreshes a session's last-activity timestamp.
func (r *Registry) UpdateActivity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.LastActivity = time.Now().UTC()
	return nil
}

// AppendOutput records a stream chunk in the session's output ring buffer.
func (r *Registry) AppendOutput(id, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Output = appendBounded(sess.Output, chunk)
	sess.LastActivity = time.Now().UTC()
	return nil
}

// AppendError records a stream chunk in the session's error ring buffer.
func (r *Registry) AppendError(id, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Errors = appendBounded(sess.Errors, chunk)
	sess.LastActivity = time.Now().UTC()
	return nil
}

// Delete removes a session from the registry. Sessions are never
// garbage-collected implicitly; callers must end sessions explicitly.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.ServiceSessionID != "" {
		delete(r.byService, sess.ServiceSessionID)
	}
	delete(r.sessions, id)

	r.logger.Info("session removed", "session_id", id, "type", sess.Type)
	return nil
}

// ListAll returns snapshots of every registered session.
func (r *Registry) ListAll() []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AgentSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.clone())
	}
	return out
}

// ListByType returns snapshots of sessions with the given agent type.
func (r *Registry) ListByType(sessionType string) []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*AgentSession
	for _, sess := range r.sessions {
		if sess.Type == sessionType {
			out = append(out, sess.clone())
		}
	}
	return out
}

// Metrics returns session counts grouped by status and by type.
func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := Metrics{
		Total:    len(r.sessions),
		ByStatus: make(map[Status]int),
		ByType:   make(map[string]int),
	}
	for _, sess := range r.sessions {
		m.ByStatus[sess.Status]++
		m.ByType[sess.Type]++
	}
	return m
}

// appendBounded appends a chunk, dropping the oldest entry once the buffer
// is full.
func appendBounded(buf []string, chunk string) []string {
	buf = append(buf, chunk)
	if len(buf) > ringBufferSize {
		buf = buf[len(buf)-ringBufferSize:]
	}
	return buf
}
