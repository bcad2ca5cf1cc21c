// Package store provides the durable persistence collaborator for the task
// registry, backed by SQLite.
package store
