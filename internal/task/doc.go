// Package task implements the authoritative task registry.
//
// # Contract
//
// Every mutating operation applies the change in memory, synchronously
// persists the full updated record before returning, emits an internal
// event, and raises a protocol notification: resource_updated for every
// mutation, plus resource_list_changed for create and delete. Notifications
// target the originating client session when one is supplied and broadcast
// otherwise.
//
// # Lifecycle
//
// Task status moves monotonically pending -> in_progress -> one of
// completed, failed, cancelled. Once terminal, a task is immutable except
// for log appends. Creating a task with a duplicate id is treated as a
// retried request and degrades to an update. Deleting an unknown task is a
// no-op.
package task
