// Package memory provides an in-memory implementation of store.JobStore.
//
// It is the test double used across the queue and task packages and backs
// the "memory" database driver for local development. Conditional updates are
// a compare-and-swap under a single mutex, so claim and cancel races resolve
// exactly as they do in the SQL stores.
package memory
