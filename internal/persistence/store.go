package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when an orchestration instance is not found.
	ErrInstanceNotFound = api.ErrInstanceNotFound

	// ErrInstanceExists is returned by CreateInstance for a duplicate id.
	ErrInstanceExists = api.ErrInstanceExists

	// ErrEntityNotFound is returned when an entity has no persisted state.
	ErrEntityNotFound = api.ErrEntityNotFound

	// ErrConflict is returned by AppendEvents when the first event's Seq does
	// not match the current history length.
	ErrConflict = errors.New("history append conflict")
)

// InstanceRecord is the stored row for an orchestration instance.
type InstanceRecord struct {
	ID           string
	Name         string
	Execution    int
	Status       api.Status
	Input        []byte
	Output       []byte
	CustomStatus []byte
	Failure      *api.ErrorInfo
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Buffered holds raised events nobody waited for yet, last write wins
	// per event name.
	Buffered map[string][]byte
}

// Clone returns a deep copy of r.
func (r *InstanceRecord) Clone() *InstanceRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Input = cloneBytes(r.Input)
	c.Output = cloneBytes(r.Output)
	c.CustomStatus = cloneBytes(r.CustomStatus)
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	if r.Buffered != nil {
		c.Buffered = make(map[string][]byte, len(r.Buffered))
		for name, payload := range r.Buffered {
			c.Buffered[name] = cloneBytes(payload)
		}
	}
	return &c
}

// ToStatus converts the record into the client-facing status view.
func (r *InstanceRecord) ToStatus(conv api.Converter) *api.InstanceStatus {
	c := r.Clone()
	return &api.InstanceStatus{
		ID:           c.ID,
		Name:         c.Name,
		Execution:    c.Execution,
		Status:       c.Status,
		Input:        c.Input,
		Output:       c.Output,
		CustomStatus: c.CustomStatus,
		Failure:      c.Failure,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Converter:    conv,
	}
}

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	Name   string
	Status api.Status
}

func (f InstanceFilter) matches(name string, status api.Status) bool {
	if f.Name != "" && f.Name != name {
		return false
	}
	if f.Status != "" && f.Status != status {
		return false
	}
	return true
}

// InstanceStore handles storage of orchestration instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, rec *InstanceRecord) error
	UpdateInstance(ctx context.Context, rec *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	// ListInstances returns matching instances ordered by creation time.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)
}

// HistoryStore is the append-only per-execution event log.
type HistoryStore interface {
	// AppendEvents appends events to (instanceID, execution). events[0].Seq
	// must equal the current history length and the following events must be
	// consecutive; otherwise nothing is written and ErrConflict is returned.
	AppendEvents(ctx context.Context, instanceID string, execution int, events []api.HistoryEvent) error

	// LoadHistory returns the events of one execution ordered by Seq.
	LoadHistory(ctx context.Context, instanceID string, execution int) ([]api.HistoryEvent, error)
}

// EntityRecord is the stored state of an entity.
type EntityRecord struct {
	ID        api.EntityID
	State     []byte
	UpdatedAt time.Time
}

// EntityStore persists entity state, overwrite-on-write.
type EntityStore interface {
	LoadEntity(ctx context.Context, id api.EntityID) (*EntityRecord, error)
	SaveEntity(ctx context.Context, rec *EntityRecord) error
	// DeleteEntity removes the state; deleting a missing entity is not an error.
	DeleteEntity(ctx context.Context, id api.EntityID) error
	// ListEntities returns all entities of the given type ordered by key.
	ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error)
}

func checkSequence(current int, events []api.HistoryEvent) error {
	for i, ev := range events {
		if ev.Seq != current+i {
			return ErrConflict
		}
	}
	return nil
}

func sortInstances(out []*InstanceRecord) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func sortStrings(s []string) {
	sort.Strings(s)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
