// Package timers holds durable timers in memory and fires them on the
// engine clock. Timers are recorded in history as TimerCreated before they
// are handed to the Service, so a restarted engine re-arms them from there.
package timers

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/conductor/internal/clock"
)

// Timer is one pending TimerCreated.
type Timer struct {
	InstanceID string
	Execution  int
	TimerID    int
	FireAt     time.Time

	// EventName is set when the timer bounds an external event wait.
	EventName string
}

func (t Timer) key() string {
	return fmt.Sprintf("%s/%d/%d", t.InstanceID, t.Execution, t.TimerID)
}

// FireFunc records a due timer. Errors re-arm the timer after RetryDelay.
type FireFunc func(ctx context.Context, t Timer) error

// RetryDelay is how long a timer whose FireFunc failed waits before firing again.
const RetryDelay = time.Second

type Service struct {
	mu      sync.Mutex
	clock   clock.Clock
	fire    FireFunc
	logger  *slog.Logger
	pending timerHeap
	known   map[string]bool
	wake    chan struct{}
}

func New(c clock.Clock, fire FireFunc, logger *slog.Logger) *Service {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clock:  c,
		fire:   fire,
		logger: logger,
		known:  make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
}

// CreateTimer arms t. Arming the same (instance, execution, timer) twice is a no-op.
func (s *Service) CreateTimer(t Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := t.key()
	if s.known[k] {
		return
	}
	s.known[k] = true
	heap.Push(&s.pending, t)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of armed timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Run fires timers as they become due until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		due, wait := s.takeDue()

		for _, t := range due {
			if err := s.fire(ctx, t); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.ErrorContext(ctx, "timer_fire_failed",
					slog.String("instance_id", t.InstanceID),
					slog.Int("timer_id", t.TimerID),
					slog.Any("error", err),
				)
				t.FireAt = s.clock.Now().Add(RetryDelay)
				s.CreateTimer(t)
			}
		}
		if len(due) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-wait:
		}
	}
}

// takeDue pops every timer due now and returns a channel for the next one.
func (s *Service) takeDue() ([]Timer, <-chan time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []Timer
	for s.pending.Len() > 0 && !s.pending[0].FireAt.After(now) {
		t := heap.Pop(&s.pending).(Timer)
		delete(s.known, t.key())
		due = append(due, t)
	}
	if len(due) > 0 || s.pending.Len() == 0 {
		return due, nil
	}
	return nil, s.clock.After(s.pending[0].FireAt.Sub(now))
}

// timerHeap is a min-heap ordered by FireAt, then TimerID.
type timerHeap []Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].TimerID < h[j].TimerID
	}
	return h[i].FireAt.Before(h[j].FireAt)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(Timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
