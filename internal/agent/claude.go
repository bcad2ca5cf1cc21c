// ABOUTME: Session driver for the claude coding-agent CLI.
// ABOUTME: Executes commands through a pluggable executor, normally the host proxy client.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-orchestrator/internal/hostproxy"
	"github.com/2389/coven-orchestrator/internal/session"
)

// Executor runs a command in a working directory and returns the aggregate
// result. hostproxy.Client satisfies it; an in-process SDK can substitute.
type Executor interface {
	Execute(ctx context.Context, command, workingDir string) (*hostproxy.ExecResult, error)
}

// branchSetup is optionally implemented by executors that can prepare a git
// branch before a session starts.
type branchSetup interface {
	SetupBranch(ctx context.Context, workingDir, branchName string) error
}

// serviceFailurePatterns identify stderr content meaning the underlying
// agent service is unusable, not just that one command failed.
var serviceFailurePatterns = []string{
	"credit balance is too low",
	"invalid api key",
	"authentication_error",
	"oauth token has expired",
}

// ClaudeDriver drives claude CLI sessions through an Executor.
type ClaudeDriver struct {
	executor Executor
	events   Events
	logger   *slog.Logger
}

// NewClaudeDriver creates the claude session driver. Pass nil logger for
// default.
func NewClaudeDriver(executor Executor, logger *slog.Logger) *ClaudeDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeDriver{
		executor: executor,
		logger:   logger.With("component", "claude-driver"),
	}
}

// RegisterEvents subscribes the driver to orchestrator callbacks.
func (d *ClaudeDriver) RegisterEvents(events Events) {
	d.events = events
}

// StartSession prepares the working directory and probes the execution path
// before handing back a service session handle. The probe catches proxy
// connectivity problems at start time instead of on the first command.
func (d *ClaudeDriver) StartSession(ctx context.Context, cfg Config) (string, error) {
	if cfg.WorkingDir == "" {
		return "", fmt.Errorf("working directory is required")
	}

	if cfg.Branch != "" {
		setup, ok := d.executor.(branchSetup)
		if !ok {
			return "", fmt.Errorf("executor cannot set up branch %s", cfg.Branch)
		}
		if err := setup.SetupBranch(ctx, cfg.WorkingDir, cfg.Branch); err != nil {
			return "", fmt.Errorf("preparing branch: %w", err)
		}
	}

	probe, err := d.executor.Execute(ctx, "echo ready", cfg.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("probing execution path: %w", err)
	}
	if !probe.Success {
		return "", fmt.Errorf("working directory probe failed: %s", strings.TrimSpace(probe.Error))
	}

	serviceID := "claude-svc-" + uuid.New().String()
	d.logger.Info("claude session started",
		"service_session_id", serviceID,
		"working_dir", cfg.WorkingDir,
	)

	if d.events != nil {
		d.events.SessionReady(serviceID)
	}
	return serviceID, nil
}

// SendCommand runs one command in the session's working directory. The
// timeout parameter is deliberately not applied to execution: agent
// commands run for arbitrarily long, and only the proxy connect step is
// time-bounded.
func (d *ClaudeDriver) SendCommand(ctx context.Context, sess *session.AgentSession, command string, _ time.Duration) (*CommandResult, error) {
	res, err := d.executor.Execute(ctx, command, sess.WorkingDir)
	if err != nil {
		return nil, err
	}

	if !res.Success {
		if reason := classifyServiceFailure(res.Error); reason != "" {
			if d.events != nil {
				d.events.SessionFailed(sess.ServiceSessionID, fmt.Errorf("%s", reason))
			}
			return nil, &ServiceFailure{Reason: reason}
		}
	}

	if d.events != nil && res.Output != "" {
		d.events.SessionProgress(sess.ServiceSessionID, res.Output)
	}

	return &CommandResult{
		Success:  res.Success,
		Output:   res.Output,
		Error:    res.Error,
		ExitCode: res.ExitCode,
	}, nil
}

// EndSession tears down the service session. The claude CLI holds no
// host-side state between commands, so teardown only logs.
func (d *ClaudeDriver) EndSession(_ context.Context, sess *session.AgentSession) error {
	d.logger.Info("claude session ended",
		"service_session_id", sess.ServiceSessionID,
	)
	return nil
}

// classifyServiceFailure returns a failure reason when stderr indicates the
// service itself is unusable, or "" for an ordinary command failure.
func classifyServiceFailure(stderr string) string {
	lowered := strings.ToLower(stderr)
	for _, pattern := range serviceFailurePatterns {
		if strings.Contains(lowered, pattern) {
			return pattern
		}
	}
	return ""
}
