package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/internal/timers"
	"github.com/petrijr/conductor/pkg/api"
)

// CompleteActivity records the output of a finished activity. It implements
// worker.ResultSink.
func (e *Engine) CompleteActivity(ctx context.Context, t taskqueue.Task, output []byte) error {
	return e.recordOutcome(ctx, t, api.NewActivityCompleted(t.TaskID, output))
}

// FailActivity records the terminal failure of an activity.
func (e *Engine) FailActivity(ctx context.Context, t taskqueue.Task, info api.ErrorInfo) error {
	return e.recordOutcome(ctx, t, api.NewActivityFailed(t.TaskID, info))
}

// recordOutcome delivers ev for the call of t. The call stays outstanding
// until ev is recorded; a failed delivery is retried every RetryDelay and
// the first error is returned.
func (e *Engine) recordOutcome(ctx context.Context, t taskqueue.Task, ev api.HistoryEvent) error {
	key := t.CallKey()
	deliver := func(ctx context.Context) error {
		if err := e.deliver(ctx, t.InstanceID, t.Execution, t.TaskID, api.EventActivityScheduled, ev); err != nil {
			return err
		}
		e.outstanding.remove(key)
		return nil
	}

	err := deliver(ctx)
	if err != nil && ctx.Err() == nil {
		e.retryLater(ctx, "record_outcome", key, deliver)
	}
	return err
}

// retryLater calls fn every RetryDelay until it succeeds or ctx ends. Stop
// waits for pending retries.
func (e *Engine) retryLater(ctx context.Context, op, key string, fn func(context.Context) error) {
	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.cfg.RetryDelay):
			}
			err := fn(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			e.logger.WarnContext(ctx, "engine_retry_failed",
				slog.String("operation", op),
				slog.String("key", key),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
	}()
}

func (e *Engine) fireTimer(ctx context.Context, t timers.Timer) error {
	return e.deliver(ctx, t.InstanceID, t.Execution, t.TimerID, api.EventTimerCreated,
		api.NewTimerFired(t.TimerID))
}

// deliver appends the outcome ev of task taskID and queues a pass. Outcomes
// for instances that moved on (finished, terminated, continued as new) and
// duplicates of recorded outcomes are dropped.
func (e *Engine) deliver(ctx context.Context, id string, execution, taskID int, scheduledAs api.EventType, ev api.HistoryEvent) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.instances.GetInstance(ctx, id)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		e.dropped(ctx, id, ev, "unknown instance")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load instance %s: %w", id, err)
	}
	if rec.Status != api.StatusRunning || rec.Execution != execution {
		e.dropped(ctx, id, ev, "instance moved on")
		return nil
	}

	history, err := e.history.LoadHistory(ctx, id, execution)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", id, err)
	}
	if !awaitingOutcome(history, taskID, scheduledAs) {
		e.dropped(ctx, id, ev, "no matching open task")
		return nil
	}

	if err := e.appendAt(ctx, id, execution, len(history), ev); err != nil {
		return err
	}
	e.dispatch.kick(id)
	return nil
}

func (e *Engine) dropped(ctx context.Context, id string, ev api.HistoryEvent, reason string) {
	e.logger.DebugContext(ctx, "outcome_dropped",
		slog.String("instance_id", id),
		slog.String("event", string(ev.Type)),
		slog.Int("task_id", ev.TaskID),
		slog.String("reason", reason),
	)
}

// awaitingOutcome reports whether history schedules taskID as the given kind
// and holds no outcome for it yet.
func awaitingOutcome(history []api.HistoryEvent, taskID int, scheduledAs api.EventType) bool {
	scheduled := false
	for _, ev := range history {
		if ev.TaskID != taskID {
			continue
		}
		switch ev.Type {
		case api.EventActivityScheduled, api.EventTimerCreated:
			scheduled = ev.Type == scheduledAs
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventTimerFired:
			return false
		}
	}
	return scheduled
}

// openTasks returns the activity calls and timers of history that have no
// recorded outcome.
func openTasks(history []api.HistoryEvent) (activities, timerEvents []api.HistoryEvent) {
	closed := make(map[int]bool)
	for _, ev := range history {
		switch ev.Type {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventTimerFired:
			closed[ev.TaskID] = true
		}
	}
	for _, ev := range history {
		if closed[ev.TaskID] {
			continue
		}
		switch ev.Type {
		case api.EventActivityScheduled:
			activities = append(activities, ev)
		case api.EventTimerCreated:
			timerEvents = append(timerEvents, ev)
		}
	}
	return activities, timerEvents
}
