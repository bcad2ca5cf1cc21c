// ABOUTME: Registry of connected client sessions and their delivery transports.
// ABOUTME: Backs the notification dispatcher's target resolution.

package orchestrator

import (
	"log/slog"
	"sync"

	"github.com/2389/coven-orchestrator/internal/notify"
)

// ClientRegistry tracks connected client sessions and the transport handle
// each one receives notifications on. It satisfies notify.SessionResolver.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]notify.ClientHandle
	logger  *slog.Logger
}

// NewClientRegistry creates an empty client session registry. Pass nil
// logger for default.
func NewClientRegistry(logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientRegistry{
		clients: make(map[string]notify.ClientHandle),
		logger:  logger.With("component", "clients"),
	}
}

// Register associates a client session id with its transport. Re-registering
// an id replaces the previous transport, which covers reconnects.
func (r *ClientRegistry) Register(sessionID string, handle notify.ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[sessionID]; exists {
		r.logger.Info("client session transport replaced", "session_id", sessionID)
	}
	r.clients[sessionID] = handle
}

// Unregister removes a client session. Unknown ids are a no-op.
func (r *ClientRegistry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sessionID)
}

// SessionTransport returns the transport for a client session, or false if
// it is not connected.
func (r *ClientRegistry) SessionTransport(sessionID string) (notify.ClientHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.clients[sessionID]
	return handle, ok
}

// AllSessionTransports returns the transports of every connected client.
func (r *ClientRegistry) AllSessionTransports() []notify.ClientHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]notify.ClientHandle, 0, len(r.clients))
	for _, h := range r.clients {
		handles = append(handles, h)
	}
	return handles
}

// Count returns the number of connected client sessions.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
