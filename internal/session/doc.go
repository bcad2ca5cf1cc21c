// Package session tracks active agent sessions in memory: identity, status
// transitions, activity timestamps, and bounded buffers of recent output.
package session
