package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/conductor/internal/events"
	"github.com/petrijr/conductor/internal/executor"
	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/scheduler"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/internal/timers"
	"github.com/petrijr/conductor/pkg/api"
)

// runDispatcher runs queued passes until ctx is cancelled.
func (e *Engine) runDispatcher(ctx context.Context) {
	for {
		id, ok := e.dispatch.next(ctx)
		if !ok {
			return
		}
		if err := e.runPass(ctx, id); err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "orchestration_pass_failed",
				slog.String("instance_id", id),
				slog.Any("error", err),
			)
		}
		e.dispatch.done(id)
	}
}

// runPass replays the current execution of id once and applies the result.
func (e *Engine) runPass(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", id, err)
	}
	if rec.Status != api.StatusRunning {
		return nil
	}

	history, err := e.history.LoadHistory(ctx, id, rec.Execution)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", id, err)
	}
	if len(history) == 0 {
		started, err := e.appendStarted(ctx, rec)
		if err != nil {
			return err
		}
		history = append(history, started)
	}

	// A previous pass appended a terminal event but did not get to update
	// the instance record.
	if last := history[len(history)-1]; last.IsTerminal() {
		return e.settle(ctx, rec, last)
	}

	begin := e.clock.Now()
	res, err := e.executor.Run(ctx, executor.Instance{ID: rec.ID, Name: rec.Name, Execution: rec.Execution}, history, begin)
	if err != nil {
		return fmt.Errorf("replay %s: %w", id, err)
	}

	if len(res.NewEvents) > 0 {
		if err := e.history.AppendEvents(ctx, id, rec.Execution, res.NewEvents); err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				e.dispatch.kick(id)
				return nil
			}
			return fmt.Errorf("append pass events of %s: %w", id, err)
		}
	}

	e.dispatchWork(ctx, rec, res)

	if res.CustomStatusSet {
		rec.CustomStatus = res.CustomStatus
	}

	switch res.Action {
	case api.PassSuspend:
		buf := events.Buffer(rec.Buffered)
		deliveries := e.router.Await(id, res.Waits, buf)
		if len(deliveries) > 0 {
			evs := make([]api.HistoryEvent, len(deliveries))
			for i, d := range deliveries {
				evs[i] = api.NewExternalEventReceived(d.Name, d.Payload)
			}
			if err := e.appendAt(ctx, id, rec.Execution, len(history)+len(res.NewEvents), evs...); err != nil {
				return err
			}
			e.dispatch.kick(id)
		}
		// A crash before this update redelivers the consumed events.
		rec.Buffered = buf
		rec.UpdatedAt = e.clock.Now().UTC()
		if err := e.instances.UpdateInstance(ctx, rec); err != nil {
			return fmt.Errorf("update instance %s: %w", id, err)
		}
	case api.PassComplete:
		rec.Output = res.Output
		if err := e.finish(ctx, rec, api.StatusCompleted, nil); err != nil {
			return err
		}
	case api.PassFail:
		if err := e.finish(ctx, rec, api.StatusFailed, res.Failure); err != nil {
			return err
		}
	case api.PassContinueAsNew:
		if err := e.continueAsNew(ctx, rec, res.ContinueInput); err != nil {
			return err
		}
	}

	e.observer.OnPass(ctx, id, res.Action, len(res.NewEvents), e.clock.Now().Sub(begin))
	return nil
}

// dispatchWork hands new activities to the scheduler and new timers to the
// timer service. Both are recorded in history already.
func (e *Engine) dispatchWork(ctx context.Context, rec *persistence.InstanceRecord, res *executor.Result) {
	for _, t := range res.Timers {
		e.timers.CreateTimer(timers.Timer{
			InstanceID: rec.ID,
			Execution:  rec.Execution,
			TimerID:    t.TimerID,
			FireAt:     t.FireAt,
			EventName:  t.EventName,
		})
	}
	for _, a := range res.Activities {
		e.scheduleActivity(ctx, scheduler.Dispatch{
			InstanceID:   rec.ID,
			Execution:    rec.Execution,
			TaskID:       a.TaskID,
			ActivityName: a.Name,
			Input:        a.Input,
			Retry:        a.Retry,
		})
	}
}

// scheduleActivity enqueues the call d. The call counts as outstanding from
// here until its outcome is recorded; a failed enqueue is retried every
// RetryDelay.
func (e *Engine) scheduleActivity(ctx context.Context, d scheduler.Dispatch) {
	key := taskqueue.CallKey(d.InstanceID, d.Execution, d.TaskID)
	e.outstanding.add(key)
	if err := e.scheduler.Schedule(ctx, d); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.ErrorContext(ctx, "activity_dispatch_failed",
			slog.String("instance_id", d.InstanceID),
			slog.Int("task_id", d.TaskID),
			slog.String("activity", d.ActivityName),
			slog.Any("error", err),
		)
		e.retryLater(ctx, "schedule_activity", key, func(ctx context.Context) error {
			return e.scheduler.Schedule(ctx, d)
		})
	}
}

// finish moves rec to a terminal status and notifies the observer.
func (e *Engine) finish(ctx context.Context, rec *persistence.InstanceRecord, status api.Status, failure *api.ErrorInfo) error {
	rec.Status = status
	rec.Failure = failure
	rec.Buffered = nil
	rec.UpdatedAt = e.clock.Now().UTC()
	if err := e.instances.UpdateInstance(ctx, rec); err != nil {
		return fmt.Errorf("update instance %s: %w", rec.ID, err)
	}
	e.router.Forget(rec.ID)

	st := rec.ToStatus(e.converter)
	if failure != nil {
		e.observer.OnInstanceFailed(ctx, st, failure.Err())
	} else {
		e.observer.OnInstanceCompleted(ctx, st)
	}
	return nil
}

// continueAsNew starts the next execution of rec with input. Its
// OrchestratorStarted is appended by the next pass.
func (e *Engine) continueAsNew(ctx context.Context, rec *persistence.InstanceRecord, input []byte) error {
	rec.Execution++
	rec.Input = input
	rec.Output = nil
	rec.UpdatedAt = e.clock.Now().UTC()
	if err := e.instances.UpdateInstance(ctx, rec); err != nil {
		return fmt.Errorf("update instance %s: %w", rec.ID, err)
	}
	// Buffered events carry over to the new execution; waits do not.
	e.router.Forget(rec.ID)
	e.dispatch.kick(rec.ID)

	e.logger.DebugContext(ctx, "orchestration_continued_as_new",
		slog.String("instance_id", rec.ID),
		slog.Int("execution", rec.Execution),
	)
	return nil
}

// settle applies a terminal event found at the end of history to rec.
func (e *Engine) settle(ctx context.Context, rec *persistence.InstanceRecord, last api.HistoryEvent) error {
	switch last.Type {
	case api.EventOrchestratorCompleted:
		rec.Output = last.Payload
		return e.finish(ctx, rec, api.StatusCompleted, nil)
	case api.EventOrchestratorFailed:
		return e.finish(ctx, rec, api.StatusFailed, last.Failure)
	case api.EventExecutionTerminated:
		return e.finish(ctx, rec, api.StatusTerminated, terminatedInfo(string(last.Payload)))
	case api.EventContinueAsNew:
		return e.continueAsNew(ctx, rec, last.Payload)
	}
	return fmt.Errorf("instance %s: %s is not terminal", rec.ID, last.Type)
}

func (e *Engine) appendStarted(ctx context.Context, rec *persistence.InstanceRecord) (api.HistoryEvent, error) {
	ev := api.NewOrchestratorStarted(rec.Name, rec.Input)
	ev.Seq = 0
	ev.Timestamp = e.clock.Now().UTC()
	if err := e.history.AppendEvents(ctx, rec.ID, rec.Execution, []api.HistoryEvent{ev}); err != nil {
		return api.HistoryEvent{}, fmt.Errorf("start execution %d of %s: %w", rec.Execution, rec.ID, err)
	}
	return ev, nil
}

// appendAt stamps evs with consecutive sequence numbers from seq and the
// current time and appends them.
func (e *Engine) appendAt(ctx context.Context, id string, execution, seq int, evs ...api.HistoryEvent) error {
	now := e.clock.Now().UTC()
	for i := range evs {
		evs[i].Seq = seq + i
		evs[i].Timestamp = now
	}
	if err := e.history.AppendEvents(ctx, id, execution, evs); err != nil {
		return fmt.Errorf("append to %s: %w", id, err)
	}
	return nil
}

func terminatedInfo(reason string) *api.ErrorInfo {
	return &api.ErrorInfo{Type: api.FailureTerminated, Message: reason}
}
