// Package worker provides the activity worker used by the conductor task
// scheduler.
//
// A Worker consumes activity tasks from a task queue, resolves the activity
// by name, invokes it and reports the outcome. Failed attempts are retried
// by re-enqueueing the task with a delayed NotBefore, without involving the
// orchestrator; only the final outcome reaches the ResultSink.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling a task queue for due activity tasks
//   - Invoking the registered activity with panic recovery
//   - Applying the task's retry policy to transient failures
//   - Reporting attempts via observers
//
// Workers are long-lived and typically run in dedicated goroutines; the
// engine starts a bounded pool of them. Multiple workers can safely consume
// the same queue.
//
// # Errors
//
// Plain errors returned by an activity are transient and retried while
// attempts remain. An *api.ApplicationError ends the task immediately unless
// it is marked retryable. Panics are never retried.
//
// # Integration with Engine and Queues
//
// Workers are decoupled from any particular persistence backend. They rely
// on the taskqueue.Queue interface for delivery and on ResultSink (the
// engine) to record completions in history. In-memory, SQLite, Postgres,
// Redis and MongoDB queues can all be plugged in.
package worker
