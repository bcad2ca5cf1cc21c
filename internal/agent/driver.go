// ABOUTME: Per-agent-type session driver contract and shared command types.
// ABOUTME: Adding an agent type means implementing Driver; nothing else changes.

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-orchestrator/internal/session"
)

// CodeSessionNotActive marks the structured failure returned when a command
// is sent to a session that is not currently accepting commands. This is an
// expected race in normal operation, not an exceptional condition.
const CodeSessionNotActive = "SESSION_NOT_ACTIVE"

// Config describes a session start request.
type Config struct {
	AgentType       string
	WorkingDir      string
	TaskID          string
	ClientSessionID string

	// Branch, when set, is checked out in the working directory before
	// the session starts. Driver-specific.
	Branch string
}

// CommandResult is the outcome of one command dispatch.
type CommandResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int

	// Code carries a structured failure code for expected, recoverable
	// conditions (e.g. CodeSessionNotActive). Empty on success.
	Code string
}

// Events lets a driver translate service-level lifecycle signals into
// registry updates and manager events.
type Events interface {
	// SessionReady reports that the underlying service session is ready
	// to accept commands.
	SessionReady(serviceSessionID string)

	// SessionProgress reports a streamed output chunk from the service.
	SessionProgress(serviceSessionID, chunk string)

	// SessionFailed reports that the underlying service session has
	// become unusable.
	SessionFailed(serviceSessionID string, err error)
}

// Driver is the per-agent-type implementation of start/command/end against
// the real underlying service.
type Driver interface {
	// StartSession starts a service-level session and returns its handle.
	StartSession(ctx context.Context, cfg Config) (string, error)

	// SendCommand dispatches one command to the session. The timeout is
	// advisory; drivers backed by the host proxy deliberately leave
	// command execution unbounded.
	SendCommand(ctx context.Context, sess *session.AgentSession, command string, timeout time.Duration) (*CommandResult, error)

	// EndSession tears down the service-level session.
	EndSession(ctx context.Context, sess *session.AgentSession) error

	// RegisterEvents subscribes the driver to orchestrator callbacks for
	// service-level lifecycle signals.
	RegisterEvents(events Events)
}

// ServiceFailure marks a driver error where the underlying agent service
// itself is unusable (credential or balance problems, for example). The
// manager records these on the owning task instead of crashing.
type ServiceFailure struct {
	Reason string
	Err    error
}

func (e *ServiceFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent service unusable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("agent service unusable: %s", e.Reason)
}

func (e *ServiceFailure) Unwrap() error {
	return e.Err
}
