// Package registry holds the name-to-code tables for orchestrators,
// activities and entity operations.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/petrijr/conductor/pkg/api"
)

// Activity is a registered activity together with its defaults.
type Activity struct {
	Name    string
	Fn      api.Activity
	Options api.ActivityOptions
}

// Registry is safe for concurrent use. Registrations are usually done once
// before the engine starts.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]api.Orchestrator
	activities    map[string]Activity
	entities      map[string]map[string]api.EntityOperation
}

func New() *Registry {
	return &Registry{
		orchestrators: make(map[string]api.Orchestrator),
		activities:    make(map[string]Activity),
		entities:      make(map[string]map[string]api.EntityOperation),
	}
}

func (r *Registry) AddOrchestrator(name string, fn api.Orchestrator) error {
	if name == "" {
		return errors.New("orchestrator name is required")
	}
	if fn == nil {
		return fmt.Errorf("orchestrator %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrators[name]; exists {
		return fmt.Errorf("orchestrator %q already registered", name)
	}
	r.orchestrators[name] = fn
	return nil
}

func (r *Registry) Orchestrator(name string) (api.Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.orchestrators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownOrchestrator, name)
	}
	return fn, nil
}

func (r *Registry) AddActivity(name string, fn api.Activity, opts api.ActivityOptions) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = Activity{Name: name, Fn: fn, Options: opts}
	return nil
}

func (r *Registry) Activity(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.activities[name]
	if !ok {
		return Activity{}, fmt.Errorf("%w: %s", api.ErrUnknownActivity, name)
	}
	return a, nil
}

// AddEntity registers the operation table of an entity type. Entity types
// are case-insensitive.
func (r *Registry) AddEntity(entityType string, ops map[string]api.EntityOperation) error {
	entityType = strings.ToLower(entityType)
	if entityType == "" {
		return errors.New("entity type is required")
	}
	if len(ops) == 0 {
		return fmt.Errorf("entity %q: at least one operation is required", entityType)
	}

	table := make(map[string]api.EntityOperation, len(ops))
	for op, fn := range ops {
		if fn == nil {
			return fmt.Errorf("entity %q operation %q: function is nil", entityType, op)
		}
		table[op] = fn
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entities[entityType]; exists {
		return fmt.Errorf("entity %q already registered", entityType)
	}
	r.entities[entityType] = table
	return nil
}

// HasEntity reports whether the entity type has a registered operation table.
func (r *Registry) HasEntity(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entities[strings.ToLower(entityType)]
	return ok
}

func (r *Registry) EntityOperation(entityType, operation string) (api.EntityOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.entities[strings.ToLower(entityType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownEntity, entityType)
	}
	fn, ok := table[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", api.ErrUnknownOperation, entityType, operation)
	}
	return fn, nil
}

// Orchestrators returns the registered orchestrator names, sorted.
func (r *Registry) Orchestrators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.orchestrators))
	for name := range r.orchestrators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
