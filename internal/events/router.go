// Package events routes raised external events to the orchestration
// instances waiting for them. Events nobody waits for yet are kept in a
// Buffer that the engine stores with the instance, so they survive restarts
// and are visible to every process sharing the store.
package events

import (
	"sort"
	"sync"
)

// Delivery is a buffered event handed to a waiting instance.
type Delivery struct {
	Name    string
	Payload []byte
}

// Buffer holds unawaited events of one instance, last write wins per name.
type Buffer map[string][]byte

// Put buffers payload under name, replacing any earlier event.
func (b *Buffer) Put(name string, payload []byte) {
	if *b == nil {
		*b = make(Buffer)
	}
	(*b)[name] = payload
}

// Pending returns the buffered event names, sorted.
func (b Buffer) Pending() []string {
	return sortedKeys(b)
}

// Router tracks, per instance, which event names are awaited by the last
// pass. Waits are rebuilt by the next pass after a restart. It is safe for
// concurrent use; callers serialize per instance.
type Router struct {
	mu    sync.Mutex
	waits map[string]map[string]struct{}
}

// New returns a Router with no waits.
func New() *Router {
	return &Router{waits: make(map[string]map[string]struct{})}
}

// Await replaces the set of names instanceID is waiting for. Events in buf
// for those names are removed from buf and returned in names order; the
// names they satisfy are not registered as waits.
func (r *Router) Await(instanceID string, names []string, buf Buffer) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.waits, instanceID)

	var out []Delivery
	for _, name := range names {
		if payload, ok := buf[name]; ok {
			out = append(out, Delivery{Name: name, Payload: payload})
			delete(buf, name)
			continue
		}
		w := r.waits[instanceID]
		if w == nil {
			w = make(map[string]struct{})
			r.waits[instanceID] = w
		}
		w[name] = struct{}{}
	}
	return out
}

// Offer reports whether instanceID is waiting for name. A matching wait is
// consumed and the caller must record the event; otherwise the caller
// buffers it.
func (r *Router) Offer(instanceID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.waits[instanceID]
	if _, ok := w[name]; !ok {
		return false
	}
	delete(w, name)
	if len(w) == 0 {
		delete(r.waits, instanceID)
	}
	return true
}

// Cancel stops waiting for name.
func (r *Router) Cancel(instanceID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w := r.waits[instanceID]; w != nil {
		delete(w, name)
		if len(w) == 0 {
			delete(r.waits, instanceID)
		}
	}
}

// Forget drops all waits of an instance.
func (r *Router) Forget(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.waits, instanceID)
}

// Waiting returns the names an instance is currently waiting for, sorted.
func (r *Router) Waiting(instanceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return sortedKeys(r.waits[instanceID])
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
