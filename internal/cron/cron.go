// Package cron starts orchestrations on cron schedules.
//
// Every firing starts the orchestration under an instance id derived from the
// orchestrator name and the scheduled time, so several processes sharing one
// store start each scheduled instance once.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/conductor/internal/clock"
	"github.com/petrijr/conductor/pkg/api"
)

// ErrInvalidCronSpec is returned when a cron expression cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Starter is the part of api.Client the scheduler needs.
type Starter interface {
	StartOrchestration(ctx context.Context, name string, input any, opts ...api.StartOption) (string, error)
}

type trigger struct {
	orchestrator string
	spec         string
	schedule     cron.Schedule
	input        func(at time.Time) any
}

// Scheduler fires registered triggers until its context is cancelled.
type Scheduler struct {
	starter Starter
	clock   clock.Clock
	logger  *slog.Logger
	parser  cron.Parser

	mu       sync.Mutex
	triggers []trigger
}

func New(starter Starter, c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		starter: starter,
		clock:   c,
		logger:  logger,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers orchestrator to start on spec (5 fields or a descriptor such
// as "@hourly"). input builds the orchestration input for each firing and
// may be nil.
func (s *Scheduler) Add(orchestrator, spec string, input func(at time.Time) any) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return errors.Join(ErrInvalidCronSpec, err)
	}
	if input == nil {
		input = func(time.Time) any { return nil }
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, trigger{orchestrator: orchestrator, spec: spec, schedule: schedule, input: input})
	return nil
}

// Next returns the next firing time of each trigger, keyed by orchestrator.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	out := make(map[string]time.Time, len(s.triggers))
	for _, t := range s.triggers {
		out[t.orchestrator] = t.schedule.Next(now)
	}
	return out
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	triggers := append([]trigger(nil), s.triggers...)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range triggers {
		g.Go(func() error {
			s.loop(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t trigger) {
	for {
		now := s.clock.Now()
		next := t.schedule.Next(now)
		s.logger.DebugContext(ctx, "cron_waiting",
			slog.String("orchestrator", t.orchestrator),
			slog.Time("next_run", next),
		)

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
			s.fire(ctx, t, next)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t trigger, at time.Time) {
	id := InstanceID(t.orchestrator, at)
	_, err := s.starter.StartOrchestration(ctx, t.orchestrator, t.input(at), api.WithInstanceID(id))
	switch {
	case errors.Is(err, api.ErrInstanceExists):
		s.logger.DebugContext(ctx, "cron_already_started", slog.String("instance_id", id))
	case err != nil:
		s.logger.WarnContext(ctx, "cron_start_failed",
			slog.String("orchestrator", t.orchestrator),
			slog.String("instance_id", id),
			slog.Any("error", err),
		)
	default:
		s.logger.InfoContext(ctx, "cron_started",
			slog.String("orchestrator", t.orchestrator),
			slog.String("instance_id", id),
		)
	}
}

// InstanceID is the id used for the firing of orchestrator at at.
func InstanceID(orchestrator string, at time.Time) string {
	return fmt.Sprintf("%s@%s", orchestrator, at.UTC().Format(time.RFC3339))
}
