package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/conductor/pkg/api"
)

type historyKey struct {
	id        string
	execution int
}

// MemoryStore is a simple, goroutine-safe implementation of InstanceStore,
// HistoryStore and EntityStore backed by maps. Records are copied on the way
// in and out so callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*InstanceRecord
	history   map[historyKey][]api.HistoryEvent
	entities  map[api.EntityID]*EntityRecord
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*InstanceRecord),
		history:   make(map[historyKey][]api.HistoryEvent),
		entities:  make(map[api.EntityID]*EntityRecord),
	}
}

// Ensure MemoryStore implements the interfaces.
var (
	_ InstanceStore = (*MemoryStore)(nil)
	_ HistoryStore  = (*MemoryStore)(nil)
	_ EntityStore   = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[rec.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[rec.ID]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*InstanceRecord
	for _, rec := range s.instances {
		if !filter.matches(rec.Name, rec.Status) {
			continue
		}
		result = append(result, rec.Clone())
	}
	sortInstances(result)
	return result, nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, instanceID string, execution int, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey{id: instanceID, execution: execution}
	current := s.history[key]
	if err := checkSequence(len(current), events); err != nil {
		return err
	}
	for _, ev := range events {
		ev.Payload = cloneBytes(ev.Payload)
		current = append(current, ev)
	}
	s.history[key] = current
	return nil
}

func (s *MemoryStore) LoadHistory(ctx context.Context, instanceID string, execution int) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.history[historyKey{id: instanceID, execution: execution}]
	out := make([]api.HistoryEvent, len(src))
	for i, ev := range src {
		ev.Payload = cloneBytes(ev.Payload)
		out[i] = ev
	}
	return out, nil
}

func (s *MemoryStore) LoadEntity(ctx context.Context, id api.EntityID) (*EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return &EntityRecord{ID: rec.ID, State: cloneBytes(rec.State), UpdatedAt: rec.UpdatedAt}, nil
}

func (s *MemoryStore) SaveEntity(ctx context.Context, rec *EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities[rec.ID] = &EntityRecord{ID: rec.ID, State: cloneBytes(rec.State), UpdatedAt: rec.UpdatedAt}
	return nil
}

func (s *MemoryStore) DeleteEntity(ctx context.Context, id api.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities, id)
	return nil
}

func (s *MemoryStore) ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EntityRecord
	for id, rec := range s.entities {
		if id.Type != entityType {
			continue
		}
		out = append(out, &EntityRecord{ID: rec.ID, State: cloneBytes(rec.State), UpdatedAt: rec.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Key < out[j].ID.Key })
	return out, nil
}
