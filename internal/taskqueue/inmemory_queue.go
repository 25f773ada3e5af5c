package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/conductor/internal/clock"
)

// InMemoryQueue is a Queue kept in process memory. Tasks with a future
// NotBefore are held back until the queue's clock reaches it.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	clock   clock.Clock
	ready   []Task
	delayed []Task
	calls   map[string]bool
	changed chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	o := buildOptions(0, opts)
	return &InMemoryQueue{
		clock:   o.clock,
		calls:   make(map[string]bool),
		changed: make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.calls[t.CallKey()] {
		return nil
	}
	q.calls[t.CallKey()] = true

	stamp(&t, q.clock.Now())
	if t.NotBefore.After(q.clock.Now()) {
		q.delayed = append(q.delayed, t)
	} else {
		q.ready = append(q.ready, t)
	}
	close(q.changed)
	q.changed = make(chan struct{})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		now := q.clock.Now()
		q.promoteLocked(now)
		if len(q.ready) > 0 {
			t := q.ready[0]
			q.ready = q.ready[1:]
			delete(q.calls, t.CallKey())
			q.mu.Unlock()
			return &t, nil
		}

		var timer <-chan time.Time
		if next, ok := q.nextDueLocked(); ok {
			timer = q.clock.After(next.Sub(now))
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		case <-timer:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

func (q *InMemoryQueue) promoteLocked(now time.Time) {
	kept := q.delayed[:0]
	for _, t := range q.delayed {
		if !t.NotBefore.After(now) {
			q.ready = append(q.ready, t)
			continue
		}
		kept = append(kept, t)
	}
	q.delayed = kept
}

func (q *InMemoryQueue) nextDueLocked() (time.Time, bool) {
	if len(q.delayed) == 0 {
		return time.Time{}, false
	}
	next := q.delayed[0].NotBefore
	for _, t := range q.delayed[1:] {
		if t.NotBefore.Before(next) {
			next = t.NotBefore
		}
	}
	return next, true
}
