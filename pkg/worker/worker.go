package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/internal/registry"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
)

// ActivityLookup resolves activity names to registered code.
type ActivityLookup interface {
	Activity(name string) (registry.Activity, error)
}

// ResultSink receives the final outcome of an activity task: its output, or
// the failure that ended its retries.
type ResultSink interface {
	CompleteActivity(ctx context.Context, t taskqueue.Task, output []byte) error
	FailActivity(ctx context.Context, t taskqueue.Task, info api.ErrorInfo) error
}

// Config controls a Worker. Zero values get sensible defaults.
type Config struct {
	Observer  api.Observer
	Logger    *slog.Logger
	Clock     clock.Clock
	Converter api.Converter

	// ActivityTimeout bounds a single attempt. Zero means no limit.
	ActivityTimeout time.Duration
}

// Worker pulls activity tasks from a Queue and executes them.
type Worker struct {
	activities ActivityLookup
	queue      taskqueue.Queue
	sink       ResultSink
	cfg        Config
}

// New creates a new Worker with default config.
func New(activities ActivityLookup, queue taskqueue.Queue, sink ResultSink) *Worker {
	return NewWithConfig(activities, queue, sink, Config{})
}

func NewWithConfig(activities ActivityLookup, queue taskqueue.Queue, sink ResultSink, cfg Config) *Worker {
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Converter == nil {
		cfg.Converter = api.NewJSONConverter()
	}
	return &Worker{
		activities: activities,
		queue:      queue,
		sink:       sink,
		cfg:        cfg,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained (ctx ended or the queue failed).
//   - processed == true: a task was attempted; err is non-nil only when its
//     outcome could not be recorded. Activity failures are not errors here.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	act, err := w.activities.Activity(task.ActivityName)
	if err != nil {
		info := api.ErrorInfo{Type: api.FailureUnknownActivity, Message: err.Error()}
		return true, w.fail(ctx, *task, info)
	}

	started := w.cfg.Clock.Now()
	output, runErr := w.invoke(ctx, act.Fn, task)
	elapsed := w.cfg.Clock.Now().Sub(started)

	w.cfg.Observer.OnActivityAttempt(ctx, api.ActivityAttempt{
		InstanceID:   task.InstanceID,
		TaskID:       task.TaskID,
		ActivityName: task.ActivityName,
		Attempt:      task.Attempt,
	}, runErr, elapsed)

	if runErr == nil {
		payload, err := w.cfg.Converter.To(output)
		if err != nil {
			info := api.ErrorInfoFromError(api.FailureActivity, fmt.Errorf("encode output: %w", err))
			return true, w.fail(ctx, *task, info)
		}
		if err := w.sink.CompleteActivity(ctx, *task, payload); err != nil {
			return true, fmt.Errorf("record completion of %s: %w", taskKey(task), err)
		}
		return true, nil
	}

	var pe *panicError
	if !errors.As(runErr, &pe) && api.IsRetryable(runErr) && task.Attempt < task.Retry.Attempts() {
		return true, w.retry(ctx, *task)
	}

	info := api.ErrorInfoFromError(api.FailureActivity, runErr)
	if pe != nil {
		info.Type = api.FailureActivityPanic
		info.Details = pe.stack
	}
	return true, w.fail(ctx, *task, info)
}

// Run calls ProcessOne until ctx is cancelled. Errors recording outcomes are
// logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		_, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.cfg.Logger.ErrorContext(ctx, "activity_worker_error", slog.Any("error", err))
		}
	}
}

// retry re-enqueues the task for its next attempt after the policy's delay.
func (w *Worker) retry(ctx context.Context, t taskqueue.Task) error {
	now := w.cfg.Clock.Now()
	delay := t.Retry.Delay(t.Attempt)

	t.Attempt++
	t.ID = taskKey(&t)
	t.EnqueuedAt = now
	t.NotBefore = now.Add(delay)

	w.cfg.Logger.DebugContext(ctx, "activity_retry_scheduled",
		slog.String("instance_id", t.InstanceID),
		slog.String("activity", t.ActivityName),
		slog.Int("attempt", t.Attempt),
		slog.Duration("delay", delay),
	)

	if err := w.queue.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("enqueue retry %s: %w", t.ID, err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, t taskqueue.Task, info api.ErrorInfo) error {
	if err := w.sink.FailActivity(ctx, t, info); err != nil {
		return fmt.Errorf("record failure of %s: %w", taskKey(&t), err)
	}
	return nil
}

func (w *Worker) invoke(ctx context.Context, fn api.Activity, t *taskqueue.Task) (output any, err error) {
	if w.cfg.ActivityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ActivityTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	return fn(&activityContext{
		Context:   ctx,
		task:      t,
		converter: w.cfg.Converter,
		logger: w.cfg.Logger.With(
			slog.String("instance_id", t.InstanceID),
			slog.String("activity", t.ActivityName),
			slog.Int("attempt", t.Attempt),
		),
	})
}

func taskKey(t *taskqueue.Task) string {
	return taskqueue.TaskKey(t.InstanceID, t.Execution, t.TaskID, t.Attempt)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("activity panicked: %v", e.value)
}

type activityContext struct {
	context.Context

	task      *taskqueue.Task
	converter api.Converter
	logger    *slog.Logger
}

func (c *activityContext) InstanceID() string   { return c.task.InstanceID }
func (c *activityContext) TaskID() int          { return c.task.TaskID }
func (c *activityContext) ActivityName() string { return c.task.ActivityName }
func (c *activityContext) Attempt() int         { return c.task.Attempt }
func (c *activityContext) Logger() *slog.Logger { return c.logger }

func (c *activityContext) GetInput(v any) error {
	return c.converter.From(c.task.Input, v)
}
