package engine

import (
	"context"
	"sync"
)

// dispatcher is the queue of instances that need a replay pass. An instance
// is queued at most once; kicking an instance whose pass is running marks it
// dirty so it is queued again when the pass ends.
type dispatcher struct {
	mu      sync.Mutex
	queue   []string
	queued  map[string]bool
	running map[string]bool
	dirty   map[string]bool
	ready   chan struct{}
	kicks   uint64
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		queued:  make(map[string]bool),
		running: make(map[string]bool),
		dirty:   make(map[string]bool),
		ready:   make(chan struct{}, 1),
	}
}

func (d *dispatcher) kick(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.kicks++
	if d.running[id] {
		d.dirty[id] = true
		return
	}
	d.pushLocked(id)
}

func (d *dispatcher) pushLocked(id string) {
	if d.queued[id] {
		return
	}
	d.queued[id] = true
	d.queue = append(d.queue, id)
	d.notify()
}

// next blocks until an instance is ready and marks it running.
func (d *dispatcher) next(ctx context.Context) (string, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			id := d.queue[0]
			d.queue = d.queue[1:]
			delete(d.queued, id)
			d.running[id] = true
			if len(d.queue) > 0 {
				d.notify()
			}
			d.mu.Unlock()
			return id, true
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-d.ready:
		}
	}
}

func (d *dispatcher) done(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.running, id)
	if d.dirty[id] {
		delete(d.dirty, id)
		d.pushLocked(id)
	}
}

func (d *dispatcher) idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) == 0 && len(d.running) == 0
}

// generation counts kicks, so callers can detect work handed in between
// two observations.
func (d *dispatcher) generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kicks
}

func (d *dispatcher) notify() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// keyedMutex serializes history appends per instance.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// taskSet tracks activity calls that were dispatched and have not yet
// reported a final outcome.
type taskSet struct {
	mu    sync.Mutex
	tasks map[string]struct{}
	adds  uint64
}

func newTaskSet() *taskSet {
	return &taskSet{tasks: make(map[string]struct{})}
}

func (s *taskSet) add(key string) {
	s.mu.Lock()
	s.tasks[key] = struct{}{}
	s.adds++
	s.mu.Unlock()
}

func (s *taskSet) remove(key string) {
	s.mu.Lock()
	delete(s.tasks, key)
	s.mu.Unlock()
}

func (s *taskSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *taskSet) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adds
}
