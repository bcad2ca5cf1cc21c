// ABOUTME: Composition root wiring storage, tasks, sessions, drivers, and notifications.
// ABOUTME: Owns the HTTP server for health and metrics and the graceful shutdown sequence.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-orchestrator/internal/agent"
	"github.com/2389/coven-orchestrator/internal/config"
	"github.com/2389/coven-orchestrator/internal/hostproxy"
	"github.com/2389/coven-orchestrator/internal/notify"
	"github.com/2389/coven-orchestrator/internal/session"
	"github.com/2389/coven-orchestrator/internal/store"
	"github.com/2389/coven-orchestrator/internal/task"
)

// Orchestrator is the assembled service: task store, session manager,
// notification dispatcher, and the HTTP surface for health and metrics.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *store.SQLiteStore
	tasks      *task.Store
	agents     *agent.Manager
	clients    *ClientRegistry
	dispatcher *notify.Dispatcher

	httpServer *http.Server
	startedAt  time.Time
}

// New wires the orchestrator from configuration. The SQLite store is opened
// and previously persisted tasks are reloaded before New returns, so a
// successful return means the service is ready to accept requests.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	clients := NewClientRegistry(logger)
	dispatcher := notify.NewDispatcher(clients, logger)

	tasks, err := task.NewStore(ctx, db, dispatcher, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing task store: %w", err)
	}

	registry := session.NewRegistry(logger)
	agents := agent.NewManager(registry, tasks, logger)

	proxy := hostproxy.NewClient(proxyConfig(cfg), logger)
	agents.RegisterDriver("claude", agent.NewClaudeDriver(proxy, logger))

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		db:         db,
		tasks:      tasks,
		agents:     agents,
		clients:    clients,
		dispatcher: dispatcher,
		startedAt:  time.Now(),
	}

	// Session lifecycle changes are announced to every connected client.
	agents.Subscribe(func(e agent.SessionEvent) {
		msg := fmt.Sprintf("agent session %s %s", e.SessionID, lifecycleVerb(e.Type))
		dispatcher.NotifyOperation(context.Background(), msg, "")
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", o.handleHealth)
	mux.HandleFunc("/health/ready", o.handleReady)
	if cfg.Metrics.Enabled {
		mux.HandleFunc(cfg.Metrics.Path, o.handleMetrics)
	}

	o.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return o, nil
}

// proxyConfig merges environment defaults with the file configuration. File
// settings win where both are present.
func proxyConfig(cfg *config.Config) hostproxy.Config {
	pcfg := hostproxy.ConfigFromEnv()
	if cfg.HostProxy.Host != "" {
		pcfg.Host = cfg.HostProxy.Host
	}
	if cfg.HostProxy.Port != 0 {
		pcfg.Port = cfg.HostProxy.Port
	}
	pcfg.Tool = cfg.HostProxy.Tool
	pcfg.ConnectTimeout = cfg.HostProxy.ConnectTimeout
	pcfg.MaxConcurrent = int64(cfg.HostProxy.MaxConcurrent)
	if cfg.HostProxy.ContainerWorkspace != "" {
		pcfg.ContainerRoot = cfg.HostProxy.ContainerWorkspace
		pcfg.HostRoot = cfg.HostProxy.HostWorkspace
	}
	return pcfg
}

func lifecycleVerb(t agent.SessionEventType) string {
	switch t {
	case agent.SessionCreated:
		return "started"
	case agent.SessionEnded:
		return "ended"
	default:
		return string(t)
	}
}

// Tasks returns the task store.
func (o *Orchestrator) Tasks() *task.Store {
	return o.tasks
}

// Agents returns the agent session manager.
func (o *Orchestrator) Agents() *agent.Manager {
	return o.agents
}

// Clients returns the client session registry.
func (o *Orchestrator) Clients() *ClientRegistry {
	return o.clients
}

// Notifier returns the notification dispatcher.
func (o *Orchestrator) Notifier() *notify.Dispatcher {
	return o.dispatcher
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := o.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		o.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		o.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := o.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (o *Orchestrator) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.Shutdown(ctx)
}

// Shutdown ends all live agent sessions, stops the HTTP server, and closes
// the database. Session teardown is best-effort.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, sess := range o.agents.ListAll() {
		if !o.agents.EndSession(ctx, sess.ID) {
			o.logger.Warn("session teardown incomplete during shutdown", "session_id", sess.ID)
		}
	}

	var firstErr error
	if err := o.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("stopping HTTP server: %w", err)
	}
	if err := o.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	o.logger.Info("orchestrator stopped")
	return firstErr
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(o.startedAt).Seconds()),
	})
}

// handleReady reports readiness: the process is up and the database handle
// still answers.
func (o *Orchestrator) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := o.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (o *Orchestrator) handleMetrics(w http.ResponseWriter, r *http.Request) {
	all := o.tasks.List(task.Filter{})
	taskCounts := make(map[task.Status]int)
	for _, t := range all {
		taskCounts[t.Status]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": map[string]any{
			"total":     len(all),
			"by_status": taskCounts,
		},
		"sessions": o.agents.Metrics(),
		"clients":  o.clients.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
