// Package notify maps orchestrator events onto protocol notifications and
// fans them out to connected client sessions with isolated per-recipient
// failure handling.
package notify
