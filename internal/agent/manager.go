// ABOUTME: Coordinates agent sessions: allocation via drivers, serialized dispatch, lifecycle events.
// ABOUTME: The busy status is the per-session mutual exclusion; different sessions interleave freely.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-orchestrator/internal/session"
	"github.com/2389/coven-orchestrator/internal/task"
)

// ErrUnknownSessionType indicates no driver is registered for the requested
// agent type.
var ErrUnknownSessionType = errors.New("unknown session type")

// TaskRecorder is the slice of the task store the manager needs: appending
// lifecycle markers and recording terminal service failures.
type TaskRecorder interface {
	AddLog(ctx context.Context, id string, entry task.LogEntry, clientSessionID string) error
	Update(ctx context.Context, id string, u task.Update, clientSessionID string) (*task.Task, error)
}

// SessionEventType categorizes manager lifecycle events.
type SessionEventType string

const (
	SessionCreated SessionEventType = "session:created"
	SessionEnded   SessionEventType = "session:ended"
)

// SessionEvent is emitted on session lifecycle changes.
type SessionEvent struct {
	Type      SessionEventType
	SessionID string
	TaskID    string
}

// Manager allocates and drives agent sessions through registered drivers.
type Manager struct {
	registry *session.Registry
	drivers  map[string]Driver
	tasks    TaskRecorder
	logger   *slog.Logger

	subMu       sync.RWMutex
	subscribers []func(SessionEvent)
}

// NewManager creates a manager over the given session registry. Tasks may
// be nil when no task store is wired (e.g. in tests).
func NewManager(registry *session.Registry, tasks TaskRecorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		drivers:  make(map[string]Driver),
		tasks:    tasks,
		logger:   logger.With("component", "agent"),
	}
}

// RegisterDriver installs the driver for an agent type and subscribes it to
// the manager's service-event callbacks. Called at startup by the
// composition root; adding an agent type never touches the manager itself.
func (m *Manager) RegisterDriver(agentType string, driver Driver) {
	m.drivers[agentType] = driver
	driver.RegisterEvents(&managerEvents{m: m})
	m.logger.Info("driver registered", "agent_type", agentType)
}

// Subscribe registers a callback for session lifecycle events.
func (m *Manager) Subscribe(fn func(SessionEvent)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) emit(event SessionEvent) {
	m.subMu.RLock()
	subs := append(([]func(SessionEvent))(nil), m.subscribers...)
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// StartSession allocates a service-level session through the driver for the
// requested agent type, registers it, and returns the orchestrator session
// id.
func (m *Manager) StartSession(ctx context.Context, cfg Config) (string, error) {
	driver, ok := m.drivers[cfg.AgentType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSessionType, cfg.AgentType)
	}

	serviceID, err := driver.StartSession(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("starting %s session: %w", cfg.AgentType, err)
	}

	sess := m.registry.Create(cfg.AgentType, serviceID, cfg.WorkingDir, cfg.TaskID, cfg.ClientSessionID)

	m.logger.Info("agent session started",
		"session_id", sess.ID,
		"agent_type", cfg.AgentType,
		"task_id", cfg.TaskID,
	)
	m.emit(SessionEvent{Type: SessionCreated, SessionID: sess.ID, TaskID: cfg.TaskID})
	return sess.ID, nil
}

// SendCommand dispatches a command to a session. A missing session is an
// error; a session that is not currently accepting commands yields a
// non-error CommandResult carrying CodeSessionNotActive so callers can
// poll or retry without exception handling. The session is busy for the
// duration of the dispatch and restored to active afterwards regardless of
// outcome; error status is reserved for the driver reporting the service
// itself unusable.
func (m *Manager) SendCommand(ctx context.Context, sessionID, command string, timeout time.Duration) (*CommandResult, error) {
	sess, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	driver, ok := m.drivers[sess.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSessionType, sess.Type)
	}

	status, claimed, err := m.registry.ClaimBusy(sessionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		m.logger.Debug("command rejected, session not active",
			"session_id", sessionID,
			"status", status,
		)
		return &CommandResult{
			Success: false,
			Code:    CodeSessionNotActive,
			Error:   fmt.Sprintf("session %s is %s", sessionID, status),
		}, nil
	}
	defer func() {
		// Never leave a session stuck busy. The driver may have flipped
		// it to error; that state wins.
		if cur := m.registry.Find(sessionID); cur != nil && cur.Status == session.StatusBusy {
			_ = m.registry.UpdateStatus(sessionID, session.StatusActive)
		}
	}()

	result, err := driver.SendCommand(ctx, sess, command, timeout)
	if err != nil {
		m.recordDriverFailure(ctx, sess, err)
		return nil, err
	}

	if result.Output != "" {
		_ = m.registry.AppendOutput(sessionID, result.Output)
	}
	if result.Error != "" {
		_ = m.registry.AppendError(sessionID, result.Error)
	}
	_ = m.registry.UpdateActivity(sessionID)
	return result, nil
}

// recordDriverFailure classifies a driver error. Terminal service failures
// mark the session errored and land on the owning task's error field; all
// other errors propagate untouched.
func (m *Manager) recordDriverFailure(ctx context.Context, sess *session.AgentSession, err error) {
	var failure *ServiceFailure
	if !errors.As(err, &failure) {
		return
	}

	_ = m.registry.UpdateStatus(sess.ID, session.StatusError)
	m.logger.Error("agent service reported unusable",
		"session_id", sess.ID,
		"reason", failure.Reason,
	)

	if sess.TaskID == "" || m.tasks == nil {
		return
	}
	failed := task.StatusFailed
	errMsg := failure.Error()
	if _, uerr := m.tasks.Update(ctx, sess.TaskID, task.Update{
		Status: &failed,
		Error:  &errMsg,
	}, sess.ClientSessionID); uerr != nil {
		m.logger.Warn("recording service failure on task failed",
			"task_id", sess.TaskID,
			"error", uerr,
		)
	}
}

// EndSession tears a session down best-effort: it logs a termination
// marker on the owning task, asks the driver to end the service session,
// and removes the session from the registry. Returns false instead of an
// error when the session did not exist or driver teardown failed, so
// cleanup paths can always proceed.
func (m *Manager) EndSession(ctx context.Context, sessionID string) bool {
	sess := m.registry.Find(sessionID)
	if sess == nil {
		m.logger.Debug("end requested for unknown session", "session_id", sessionID)
		return false
	}

	if sess.TaskID != "" && m.tasks != nil {
		if err := m.tasks.AddLog(ctx, sess.TaskID, task.LogEntry{
			Level:    task.LogLevelInfo,
			Category: task.LogCategorySystem,
			Message:  fmt.Sprintf("agent session %s terminated", sessionID),
		}, sess.ClientSessionID); err != nil {
			m.logger.Warn("logging termination marker failed",
				"task_id", sess.TaskID,
				"error", err,
			)
		}
	}

	driver, hasDriver := m.drivers[sess.Type]
	teardownOK := hasDriver
	if hasDriver {
		if err := driver.EndSession(ctx, sess); err != nil {
			m.logger.Warn("driver teardown failed",
				"session_id", sessionID,
				"error", err,
			)
			teardownOK = false
		}
	}

	_ = m.registry.UpdateStatus(sessionID, session.StatusTerminated)
	_ = m.registry.Delete(sessionID)

	m.logger.Info("agent session ended", "session_id", sessionID)
	m.emit(SessionEvent{Type: SessionEnded, SessionID: sessionID, TaskID: sess.TaskID})
	return teardownOK
}

// GetSession returns the session or session.ErrSessionNotFound.
func (m *Manager) GetSession(id string) (*session.AgentSession, error) {
	return m.registry.Get(id)
}

// FindSession returns the session or nil.
func (m *Manager) FindSession(id string) *session.AgentSession {
	return m.registry.Find(id)
}

// ListAll returns all registered sessions.
func (m *Manager) ListAll() []*session.AgentSession {
	return m.registry.ListAll()
}

// ListByType returns sessions of one agent type.
func (m *Manager) ListByType(agentType string) []*session.AgentSession {
	return m.registry.ListByType(agentType)
}

// Metrics returns session counts by status and type.
func (m *Manager) Metrics() session.Metrics {
	return m.registry.Metrics()
}

// managerEvents adapts service-level driver signals onto registry updates.
type managerEvents struct {
	m *Manager
}

func (e *managerEvents) SessionReady(serviceSessionID string) {
	sess := e.m.registry.FindByServiceID(serviceSessionID)
	if sess == nil {
		// The driver may signal ready before the manager has registered
		// the session; Create initializes to active in that case.
		e.m.logger.Debug("ready signal for unregistered service session",
			"service_session_id", serviceSessionID,
		)
		return
	}
	if sess.Status == session.StatusConnecting {
		_ = e.m.registry.UpdateStatus(sess.ID, session.StatusActive)
	}
}

func (e *managerEvents) SessionProgress(serviceSessionID, chunk string) {
	sess := e.m.registry.FindByServiceID(serviceSessionID)
	if sess == nil {
		return
	}
	_ = e.m.registry.AppendOutput(sess.ID, chunk)
}

func (e *managerEvents) SessionFailed(serviceSessionID string, err error) {
	sess := e.m.registry.FindByServiceID(serviceSessionID)
	if sess == nil {
		return
	}
	_ = e.m.registry.UpdateStatus(sess.ID, session.StatusError)
	e.m.logger.Error("service session failed",
		"session_id", sess.ID,
		"error", err,
	)
}
