// Package api contains the core types shared by the conductor engine, its
// storage backends and its workers. It defines the history event model, the
// contexts passed to user code and the Client boundary.
//
// Most users interact with the higher-level conductor package, which
// re-exports selected types and constructors from this package. The api
// package is intended for custom integrations and for code that must not
// import the engine itself (activities, entity handlers, storage backends).
//
// # Concepts
//
//   - Orchestrators: deterministic functions re-executed from the start of
//     their history on every replay pass.
//   - Activities: ordinary functions that do the real (non-deterministic)
//     work, invoked at least once per schedule by the task scheduler.
//   - Entities: addressable actors holding durable state, processing one
//     operation at a time.
//   - History: the append-only sequence of HistoryEvent values that is the
//     single source of truth for an orchestration instance.
//
// # Orchestrators
//
// An Orchestrator receives an OrchestrationContext. Every yield point
// (CallActivity, CreateTimer, WaitForExternalEvent) returns a Task and is
// assigned the next sequence number of the pass. On replay the same call
// site receives the same number, which is how results recorded in history
// are matched back to the code that asked for them.
//
// Orchestrator code must:
//
//   - Read time only through CurrentTime.
//   - Perform I/O only through activities.
//   - Issue the same sequence of yield points for the same history.
//
// A pass that diverges from recorded history fails the instance with a
// FailureNonDeterministic failure.
//
// # Errors
//
// Activity errors are transient unless they are an *ApplicationError with
// Retryable unset. Once retries are exhausted the orchestrator observes an
// *ActivityError from Task.Await. Timed-out event waits return
// ErrEventTimeout.
//
// # Observability
//
// The Observer interface is used by the engine, the activity worker and the
// entity runtime to report lifecycle events. LoggingObserver and BasicMetrics
// are ready-made implementations and NewCompositeObserver combines several.
package api
