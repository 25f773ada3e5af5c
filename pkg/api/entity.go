package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EntityID addresses a virtual actor. Every id is implicitly addressable;
// state is created on the first committed turn.
type EntityID struct {
	Type string `msgpack:"type" bson:"type" json:"type"`
	Key  string `msgpack:"key" bson:"key" json:"key"`
}

// NewEntityID returns an EntityID. The type is case-insensitive and stored lower-case.
func NewEntityID(entityType, key string) EntityID {
	return EntityID{Type: strings.ToLower(entityType), Key: key}
}

// String renders the id as "@type@key".
func (id EntityID) String() string {
	return "@" + id.Type + "@" + id.Key
}

// ParseEntityID parses the "@type@key" form produced by String.
func ParseEntityID(s string) (EntityID, error) {
	if !strings.HasPrefix(s, "@") {
		return EntityID{}, fmt.Errorf("invalid entity id %q", s)
	}
	typ, key, ok := strings.Cut(s[1:], "@")
	if !ok || typ == "" {
		return EntityID{}, fmt.Errorf("invalid entity id %q", s)
	}
	return NewEntityID(typ, key), nil
}

// EntityOperation handles one operation of an entity type. Operations on
// the same EntityID never run concurrently.
type EntityOperation func(ctx EntityContext) error

// EntityContext is passed to an entity operation for the duration of one turn.
type EntityContext interface {
	context.Context

	ID() EntityID
	Operation() string
	GetInput(v any) error

	// HasState reports whether the entity currently has state.
	HasState() bool
	// GetState decodes the current state into v; it leaves v untouched when
	// the entity has no state.
	GetState(v any) error
	SetState(v any) error
	// DeleteState removes the entity's state when the turn commits.
	DeleteState()

	// StartOrchestration schedules a new orchestration to start once the
	// turn commits and returns its instance id.
	StartOrchestration(name string, input any) (string, error)
	// SignalEntity sends an operation to another entity once the turn commits.
	SignalEntity(id EntityID, operation string, input any) error

	Logger() *slog.Logger
}

// EntityState is the persisted state of an entity as returned by Client.GetEntity.
type EntityState struct {
	ID        EntityID
	State     []byte
	UpdatedAt time.Time

	Converter Converter `json:"-"`
}

// ReadState decodes the entity state into v.
func (s *EntityState) ReadState(v any) error {
	return s.converter().From(s.State, v)
}

func (s *EntityState) converter() Converter {
	if s.Converter == nil {
		return NewJSONConverter()
	}
	return s.Converter
}
