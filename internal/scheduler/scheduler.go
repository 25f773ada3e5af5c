// Package scheduler dispatches activity tasks to a pool of workers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/internal/taskqueue"
	"github.com/petrijr/conductor/pkg/api"
	"github.com/petrijr/conductor/pkg/worker"
)

// Dispatch describes an activity call recorded in history that must run.
type Dispatch struct {
	InstanceID   string
	Execution    int
	TaskID       int
	ActivityName string
	Input        []byte

	// Retry overrides the activity's registered policy when set.
	Retry *api.RetryPolicy
}

// Config controls the worker pool.
type Config struct {
	// Concurrency is the number of activity workers. Defaults to 4.
	Concurrency int

	// DefaultRetry applies to activities with neither a per-call nor a
	// registered policy. nil means a single attempt.
	DefaultRetry *api.RetryPolicy

	ActivityTimeout time.Duration

	Observer  api.Observer
	Logger    *slog.Logger
	Clock     clock.Clock
	Converter api.Converter
}

type Scheduler struct {
	queue      taskqueue.Queue
	activities worker.ActivityLookup
	worker     *worker.Worker
	cfg        Config
}

func New(queue taskqueue.Queue, activities worker.ActivityLookup, sink worker.ResultSink, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := worker.NewWithConfig(activities, queue, sink, worker.Config{
		Observer:        cfg.Observer,
		Logger:          cfg.Logger,
		Clock:           cfg.Clock,
		Converter:       cfg.Converter,
		ActivityTimeout: cfg.ActivityTimeout,
	})
	return &Scheduler{queue: queue, activities: activities, worker: w, cfg: cfg}
}

// Schedule enqueues the first attempt of an activity call.
func (s *Scheduler) Schedule(ctx context.Context, d Dispatch) error {
	t := taskqueue.Task{
		ID:           taskqueue.TaskKey(d.InstanceID, d.Execution, d.TaskID, 1),
		InstanceID:   d.InstanceID,
		Execution:    d.Execution,
		TaskID:       d.TaskID,
		ActivityName: d.ActivityName,
		Input:        d.Input,
		Attempt:      1,
		Retry:        s.policyFor(d),
		EnqueuedAt:   s.cfg.Clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("schedule %s: %w", t.ID, err)
	}
	return nil
}

// policyFor picks the per-call policy, then the registered one, then the default.
func (s *Scheduler) policyFor(d Dispatch) *api.RetryPolicy {
	if d.Retry != nil {
		return d.Retry
	}
	if a, err := s.activities.Activity(d.ActivityName); err == nil && a.Options.Retry != nil {
		return a.Options.Retry
	}
	return s.cfg.DefaultRetry
}

// Run drives Concurrency workers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Concurrency; i++ {
		g.Go(func() error {
			return s.worker.Run(gctx)
		})
	}
	return g.Wait()
}

// Pending returns the approximate number of queued attempts.
func (s *Scheduler) Pending() int {
	return s.queue.Len()
}
