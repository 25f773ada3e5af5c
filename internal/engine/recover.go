package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/conductor/internal/persistence"
	"github.com/petrijr/conductor/internal/scheduler"
	"github.com/petrijr/conductor/internal/timers"
	"github.com/petrijr/conductor/pkg/api"
)

// Recover resumes every running instance from its history: open timers are
// re-armed, open activity calls are re-dispatched and a pass is queued. It
// returns the number of instances resumed.
//
// A durable queue keeps at most one task per call, so calls it still holds
// are not duplicated. Calls that were running when the process died run
// again.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recs, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running instances: %w", err)
	}

	n := 0
	for _, rec := range recs {
		if err := e.recoverInstance(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "engine_recovered", slog.Int("instances", n))
	}
	return n, nil
}

func (e *Engine) recoverInstance(ctx context.Context, rec *persistence.InstanceRecord) error {
	history, err := e.history.LoadHistory(ctx, rec.ID, rec.Execution)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", rec.ID, err)
	}

	activities, timerEvents := openTasks(history)
	for _, ev := range timerEvents {
		e.timers.CreateTimer(timers.Timer{
			InstanceID: rec.ID,
			Execution:  rec.Execution,
			TimerID:    ev.TaskID,
			FireAt:     ev.FireAt,
			EventName:  ev.Name,
		})
	}
	// Per-call retry overrides are not in history; the registered or
	// default policy applies to re-dispatched calls.
	for _, ev := range activities {
		e.scheduleActivity(ctx, scheduler.Dispatch{
			InstanceID:   rec.ID,
			Execution:    rec.Execution,
			TaskID:       ev.TaskID,
			ActivityName: ev.Name,
			Input:        ev.Payload,
		})
	}

	e.dispatch.kick(rec.ID)
	return nil
}
