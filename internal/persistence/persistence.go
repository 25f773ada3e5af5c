package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	History   HistoryStore
	Entities  EntityStore
}

// NewInMemoryPersistence returns a Persistence whose stores share one MemoryStore.
func NewInMemoryPersistence() *Persistence {
	s := NewMemoryStore()
	return &Persistence{Instances: s, History: s, Entities: s}
}
