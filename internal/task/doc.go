// Package task schedules batches of task records against a remote flow
// execution service.
//
// A Dispatcher owns the task table on a single goroutine. It submits records
// under a bounded concurrency budget, polls started work round-robin at a
// fixed interval, applies the timeout policy to tasks that exceed their
// status-check budget, and hands successful results to an ArtifactStore.
// Tasks run either as one-shot jobs polled for a status, or as sessions whose
// event stream is deduplicated and consumed through a timestamp cursor.
package task
