// Package queue implements the queue service: admission and ordering of
// segmentation jobs, batch cancellation, the claim step used by workers and
// the resolution of worker outcomes.
//
// Claims and cancellations race on the same items. Both go through
// store.JobStore.ConditionalUpdateStatus with "queued" as the expected
// status, so for any item exactly one of them can succeed.
package queue
