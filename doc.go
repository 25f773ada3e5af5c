// Package conductor is an embeddable durable orchestration engine for Go.
//
// Orchestrations are ordinary Go functions that coordinate activities,
// timers, external events and entities. Every decision an orchestration
// makes is recorded in an append-only history; after a crash or restart the
// function is replayed against that history and resumes where it left off.
//
// # Core Concepts
//
//  1. Engine
//  2. Orchestrator
//  3. Activity
//  4. Entity
//  5. LocalRunner
//
// # Engine
//
// The Engine owns the registries, the history store and the background
// workers. It exposes the Client API to:
//   - start orchestrations
//   - raise external events
//   - signal entities
//   - query status, custom status, output and history
//   - terminate instances
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # Orchestrator
//
// An Orchestrator must be deterministic. It is re-executed from the start on
// every replay pass, so time, randomness and I/O are only observed through
// the OrchestrationContext:
//
//	func onboarding(ctx conductor.OrchestrationContext) (any, error) {
//	    quotes := []conductor.Task{
//	        ctx.CallActivity("GetQuote", "a"),
//	        ctx.CallActivity("GetQuote", "b"),
//	    }
//	    prices, err := conductor.AwaitAll[int](quotes...)
//	    if err != nil {
//	        return nil, err
//	    }
//	    approver, err := conductor.Await[string](ctx.WaitForExternalEvent("Approval", time.Minute))
//	    ...
//	}
//
// Awaiting a task whose result is not in history yet ends the pass; the
// engine runs the function again once the result is recorded.
//
// # Activity
//
// Activities hold the non-deterministic work. They are dispatched to worker
// goroutines, retried according to their RetryPolicy and delivered at least
// once, so they should be idempotent.
//
// # Entity
//
// Entities are small addressable actors with persisted state. Operations on
// one entity id run one at a time; entities may start orchestrations and
// signal other entities, both taking effect when the turn commits.
//
// # LocalRunner
//
// LocalRunner wraps an Engine with Start/Stop and a synchronous Run helper.
// NewLocalRunner keeps everything in memory; OpenSQLiteRunner persists to a
// SQLite file and resumes in-flight instances on the next start.
package conductor
