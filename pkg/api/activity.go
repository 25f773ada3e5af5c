package api

import (
	"context"
	"log/slog"
)

// Activity is a unit of externally-dispatched, possibly non-deterministic work.
// The returned value is encoded with the engine's Converter.
type Activity func(ctx ActivityContext) (any, error)

// ActivityContext is passed to activity code. It carries the worker's
// cancellation context.
type ActivityContext interface {
	context.Context

	InstanceID() string
	TaskID() int
	ActivityName() string

	// Attempt is 1 for the first invocation and increases with every retry.
	Attempt() int

	GetInput(v any) error
	Logger() *slog.Logger
}

// ActivityOptions are registered alongside an activity.
type ActivityOptions struct {
	// Retry is the default policy for every call of the activity.
	Retry *RetryPolicy
}
