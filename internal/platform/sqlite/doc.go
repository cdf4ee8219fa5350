// Package sqlite provides an embedded store.JobStore backed by modernc.org/sqlite.
//
// The database runs in WAL mode and is guarded by an advisory file lock so
// only one process owns it at a time. Writes that hit SQLITE_BUSY are retried
// with exponential backoff.
package sqlite
