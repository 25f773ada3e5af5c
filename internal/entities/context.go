package entities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/conductor/pkg/api"
)

type startEffect struct {
	name       string
	input      any
	instanceID string
}

type signalEffect struct {
	id        api.EntityID
	operation string
	input     []byte
}

// effect is a side effect buffered until the turn commits.
type effect struct {
	start  *startEffect
	signal *signalEffect
}

type entityContext struct {
	context.Context

	id        api.EntityID
	operation string
	input     []byte
	converter api.Converter
	ops       Operations
	newID     func() string
	logger    *slog.Logger

	state    []byte
	hasState bool
	dirty    bool
	deleted  bool

	effects []effect
}

func (c *entityContext) ID() api.EntityID     { return c.id }
func (c *entityContext) Operation() string    { return c.operation }
func (c *entityContext) HasState() bool       { return c.hasState }
func (c *entityContext) Logger() *slog.Logger { return c.logger }

func (c *entityContext) GetInput(v any) error {
	return c.converter.From(c.input, v)
}

func (c *entityContext) GetState(v any) error {
	if !c.hasState {
		return nil
	}
	return c.converter.From(c.state, v)
}

func (c *entityContext) SetState(v any) error {
	b, err := c.converter.To(v)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", c.id, err)
	}
	c.state = b
	c.hasState = true
	c.dirty = true
	c.deleted = false
	return nil
}

func (c *entityContext) DeleteState() {
	c.state = nil
	c.hasState = false
	c.dirty = false
	c.deleted = true
}

func (c *entityContext) StartOrchestration(name string, input any) (string, error) {
	if name == "" {
		return "", errors.New("orchestrator name is required")
	}
	id := c.newID()
	c.effects = append(c.effects, effect{start: &startEffect{name: name, input: input, instanceID: id}})
	return id, nil
}

func (c *entityContext) SignalEntity(id api.EntityID, operation string, input any) error {
	id = api.NewEntityID(id.Type, id.Key)
	if !c.ops.HasEntity(id.Type) {
		return fmt.Errorf("%w: %s", api.ErrUnknownEntity, id.Type)
	}
	b, err := c.converter.To(input)
	if err != nil {
		return fmt.Errorf("encode input of %s.%s: %w", id, operation, err)
	}
	c.effects = append(c.effects, effect{signal: &signalEffect{id: id, operation: operation, input: b}})
	return nil
}
