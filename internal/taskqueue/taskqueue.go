package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/pkg/api"
)

// Task is one activity invocation waiting for a worker. A retry is a new
// Task for the same call (InstanceID, Execution, TaskID) with Attempt+1.
type Task struct {
	ID           string           `msgpack:"id"`
	InstanceID   string           `msgpack:"instance_id"`
	Execution    int              `msgpack:"execution"`
	TaskID       int              `msgpack:"task_id"`
	ActivityName string           `msgpack:"activity"`
	Input        []byte           `msgpack:"input,omitempty"`
	Attempt      int              `msgpack:"attempt"`
	Retry        *api.RetryPolicy `msgpack:"retry,omitempty"`

	EnqueuedAt time.Time `msgpack:"enqueued_at"`

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time `msgpack:"not_before"`
}

// TaskKey builds the stable identifier of a task attempt.
func TaskKey(instanceID string, execution, taskID, attempt int) string {
	return fmt.Sprintf("%s/%d/%d/%d", instanceID, execution, taskID, attempt)
}

// CallKey identifies the activity call a task attempt belongs to.
func CallKey(instanceID string, execution, taskID int) string {
	return fmt.Sprintf("%s/%d/%d", instanceID, execution, taskID)
}

// CallKey returns the key of the call t is an attempt of.
func (t Task) CallKey() string {
	return CallKey(t.InstanceID, t.Execution, t.TaskID)
}

// Queue is a simple async task queue interface.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	// A queue holds at most one task per call: enqueueing a task whose call
	// is already queued is a no-op.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task whose NotBefore has passed,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, delayed ones included.
	Len() int
}

type queueOptions struct {
	clock        clock.Clock
	pollInterval time.Duration
	prefix       string
}

// Option customizes a queue backend.
type Option func(*queueOptions)

// WithClock sets the time source used to evaluate NotBefore.
func WithClock(c clock.Clock) Option {
	return func(o *queueOptions) { o.clock = c }
}

// WithPollInterval sets how often polling backends look for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(o *queueOptions) { o.pollInterval = d }
}

// WithPrefix sets the key or table-name prefix for shared backends.
func WithPrefix(p string) Option {
	return func(o *queueOptions) { o.prefix = p }
}

func buildOptions(defaultPoll time.Duration, opts []Option) queueOptions {
	o := queueOptions{clock: clock.Real{}, pollInterval: defaultPoll, prefix: "conductor:"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func stamp(t *Task, now time.Time) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// sleep waits for d on c or returns ctx.Err().
func sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
