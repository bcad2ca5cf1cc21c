// ABOUTME: Fans task and session notifications out to connected client sessions.
// ABOUTME: Targeted delivery resolves one session; broadcast delivers to all with isolated failures.

package notify

import (
	"context"
	"log/slog"
	"sync"
)

// ClientHandle is the delivery surface for one connected client session.
// Deliver may fail; the dispatcher treats that as a per-recipient condition.
type ClientHandle interface {
	Deliver(ctx context.Context, n *Notification) error
}

// SessionResolver resolves delivery targets from the client session registry.
// Injected so tests can substitute fake handles for real transports.
type SessionResolver interface {
	// SessionTransport returns the handle for a client session, or false
	// if that session is not currently connected.
	SessionTransport(sessionID string) (ClientHandle, bool)

	// AllSessionTransports returns handles for every connected client session.
	AllSessionTransports() []ClientHandle
}

// Dispatcher delivers notifications to client sessions. Delivery is
// best-effort, at-most-once per recipient, with no retry or queuing.
type Dispatcher struct {
	resolver SessionResolver
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher backed by the given session resolver.
// Pass nil logger for default.
func NewDispatcher(resolver SessionResolver, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver: resolver,
		logger:   logger.With("component", "notify"),
	}
}

// Notify delivers a notification. With a target session id the notification
// goes to exactly that session; an unknown target is logged and ignored
// since the recipient may simply have disconnected. With an empty target the
// notification is broadcast to every connected session concurrently. A
// failed delivery to one recipient never affects the others and never
// propagates to the caller.
func (d *Dispatcher) Notify(ctx context.Context, n *Notification, targetSessionID string) {
	if targetSessionID != "" {
		handle, ok := d.resolver.SessionTransport(targetSessionID)
		if !ok {
			d.logger.Debug("notification target not connected",
				"session_id", targetSessionID,
				"kind", n.Kind,
			)
			return
		}
		if err := handle.Deliver(ctx, n); err != nil {
			d.logger.Warn("notification delivery failed",
				"session_id", targetSessionID,
				"kind", n.Kind,
				"error", err,
			)
		}
		return
	}

	handles := d.resolver.AllSessionTransports()
	if len(handles) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handle := range handles {
		wg.Add(1)
		go func(h ClientHandle) {
			defer wg.Done()
			if err := h.Deliver(ctx, n); err != nil {
				d.logger.Warn("broadcast delivery failed for recipient",
					"kind", n.Kind,
					"error", err,
				)
			}
		}(handle)
	}
	wg.Wait()
}

// NotifyOperation sends an operation notice.
func (d *Dispatcher) NotifyOperation(ctx context.Context, message, targetSessionID string) {
	d.Notify(ctx, NewOperation(message), targetSessionID)
}

// NotifyProgress sends a progress notice.
func (d *Dispatcher) NotifyProgress(ctx context.Context, token string, progress float64, total *float64, targetSessionID string) {
	d.Notify(ctx, NewProgress(token, progress, total), targetSessionID)
}

// NotifyResourceUpdated sends a resource_updated notice for the given URI.
func (d *Dispatcher) NotifyResourceUpdated(ctx context.Context, uri, targetSessionID string) {
	d.Notify(ctx, NewResourceUpdated(uri), targetSessionID)
}

// NotifyResourceListChanged sends a resource_list_changed notice.
func (d *Dispatcher) NotifyResourceListChanged(ctx context.Context, targetSessionID string) {
	d.Notify(ctx, NewResourceListChanged(), targetSessionID)
}

// NotifyRootsListChanged sends a roots_list_changed notice.
func (d *Dispatcher) NotifyRootsListChanged(ctx context.Context, targetSessionID string) {
	d.Notify(ctx, NewRootsListChanged(), targetSessionID)
}

// NotifyConfigChanged sends a config_changed notice.
func (d *Dispatcher) NotifyConfigChanged(ctx context.Context, targetSessionID string) {
	d.Notify(ctx, NewConfigChanged(), targetSessionID)
}
