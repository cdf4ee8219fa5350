// Package events carries queue state changes to connected clients.
//
// The package has four parts:
//   - Event: the JSON document pushed to clients ("item.updated" or
//     "batch.cancelled"), tagged with the action id that caused it.
//   - Channel: an in-process, per-project publish/subscribe hub. Publishing
//     never blocks; a subscriber whose buffer is full misses the event.
//   - Bridge: accepts events from the queue service without blocking and
//     hands them to a Transport (the local Channel, or Redis when several
//     processes serve the same projects) from its own goroutine.
//   - Reconciler: the client-side rule that recognises events caused by the
//     client's own requests so they are not announced twice.
package events
