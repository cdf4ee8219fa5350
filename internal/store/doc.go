// Package store defines the Job Store contract used by the queue service and
// the worker pool. The interface abstracts the underlying storage mechanism
// (PostgreSQL, SQLite, or an in-memory map) from the queue logic.
//
// All status changes go through ConditionalUpdateStatus. Claiming an item and
// cancelling it race on the same rows, and both rely on this one primitive:
// the update is applied only if the stored status still equals the expected
// status, and the boolean result tells the caller whether it won.
package store
