// Package task runs the worker pool that executes segmentation jobs.
//
// A single dispatcher goroutine claims queued items from the queue service
// whenever one of the N execution slots is free, and starts a worker for
// each claimed item. Workers call the inference backend under a timeout and
// post their outcome back to the queue service as a message; they never
// write item state themselves. A monitor periodically hands items stuck in
// processing back to the queue service for reclamation.
package task
