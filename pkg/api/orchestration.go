package api

import (
	"log/slog"
	"time"
)

// Orchestrator is deterministic workflow logic. It is re-executed from the
// beginning on every replay pass, so it must only observe time, randomness
// and I/O through the OrchestrationContext.
type Orchestrator func(ctx OrchestrationContext) (any, error)

// OrchestrationContext exposes the yield points available to orchestrator code.
type OrchestrationContext interface {
	InstanceID() string
	Name() string

	// GetInput decodes the input of the current execution into v.
	GetInput(v any) error

	// CallActivity schedules an activity and returns a Task for its result.
	CallActivity(name string, input any, opts ...CallOption) Task

	// CreateTimer returns a Task that resolves once d has elapsed in
	// orchestration time.
	CreateTimer(d time.Duration) Task

	// WaitForExternalEvent returns a Task that resolves with the payload of
	// the next event raised with the given name. With timeout > 0 the task
	// resolves with ErrEventTimeout if no event was recorded in time.
	WaitForExternalEvent(name string, timeout time.Duration) Task

	// CurrentTime returns the deterministic orchestration time derived from
	// history: the timestamp of the last history event the orchestrator has
	// consumed, or the start time before any. It does not advance while the
	// orchestrator runs, and timer deadlines are computed from it.
	CurrentTime() time.Time

	// SetCustomStatus records an opaque progress value visible to status queries.
	SetCustomStatus(v any)

	// ContinueAsNew restarts the instance with a fresh history and the given
	// input once the orchestrator returns.
	ContinueAsNew(input any)

	// IsReplaying reports whether the current position was already recorded in history.
	IsReplaying() bool

	// Logger returns a logger that stays silent while replaying.
	Logger() *slog.Logger
}

// Task is the handle for an outstanding yield point.
type Task interface {
	// Await decodes the result into v (which may be nil). If the result is
	// not yet recorded in history the replay pass suspends and Await never
	// returns.
	Await(v any) error

	// IsDone reports whether the result is already available.
	IsDone() bool
}

// WhenAll awaits every task in submission order and returns the first error.
// Results are discarded; call Await on individual tasks to decode them.
func WhenAll(tasks ...Task) error {
	var firstErr error
	for _, t := range tasks {
		if err := t.Await(nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CallOption customizes a single CallActivity invocation.
type CallOption func(*CallOptions)

// CallOptions holds per-call activity settings.
type CallOptions struct {
	Retry *RetryPolicy
}

// WithRetryPolicy overrides the activity's registered retry policy for one call.
func WithRetryPolicy(p RetryPolicy) CallOption {
	return func(o *CallOptions) {
		r := p
		o.Retry = &r
	}
}
