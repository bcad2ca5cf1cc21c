// Package agent coordinates agent sessions.
//
// # Manager
//
// The Manager allocates sessions through per-type Drivers, serializes
// command dispatch per session via the busy status, and emits lifecycle
// events. Commands to different sessions proceed in parallel; a second
// command to the same session gets a structured SESSION_NOT_ACTIVE result
// rather than an error, because losing that race is expected in normal
// operation.
//
// # Drivers
//
// Driver is the extension point: one implementation per agent type,
// registered in the manager's type map at startup. The claude driver runs
// the coding-agent CLI through an Executor, normally the host proxy
// client, so an in-process SDK can substitute without touching the
// manager.
package agent
