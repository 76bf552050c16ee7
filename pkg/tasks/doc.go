// Package tasks runs background work with exponential backoff.
//
// A Queue dispatches tasks by kind to registered handlers on a fixed pool
// of workers. Failed tasks are retried according to a RetryPolicy; tasks
// that exhaust their attempts, or fail with a Permanent error, are handed
// to a DeadLetterSink from which Replay can re-enqueue them later.
//
// Two sinks are provided: MemoryDeadLetters for tests and single-node
// deployments, and S3DeadLetterSink which stores each task as a JSON object
// in an S3-compatible bucket.
package tasks
