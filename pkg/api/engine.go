package api

import (
	"context"
	"time"
)

// Client is the boundary API for starting, signalling and inspecting
// orchestrations and entities. A Client handle is passed explicitly to
// whatever needs it; there is no process-wide client.
type Client interface {
	// StartOrchestration creates an instance and schedules its first replay pass.
	StartOrchestration(ctx context.Context, name string, input any, opts ...StartOption) (string, error)

	// RaiseEvent delivers a named event to an instance. Events nobody is
	// waiting for are buffered (last write wins) until the instance waits
	// for that name or completes.
	RaiseEvent(ctx context.Context, instanceID, eventName string, payload any) error

	// SignalEntity enqueues an operation for an entity (fire-and-forget).
	SignalEntity(ctx context.Context, id EntityID, operation string, input any) error

	// GetStatus returns the instance's status, custom status and output.
	GetStatus(ctx context.Context, instanceID string) (*InstanceStatus, error)

	// ManagementPayload returns the handles used to query and control an instance.
	ManagementPayload(ctx context.Context, instanceID string) (ManagementPayload, error)

	// Terminate stops a running instance. Outstanding activities and timers
	// still complete but are ignored.
	Terminate(ctx context.Context, instanceID, reason string) error

	// GetEntity returns an entity's persisted state, or ErrEntityNotFound.
	GetEntity(ctx context.Context, id EntityID) (*EntityState, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*InstanceStatus, error)

	// History returns the current execution's history of an instance.
	History(ctx context.Context, instanceID string) ([]HistoryEvent, error)

	// WaitForCompletion polls until the instance leaves StatusRunning or ctx ends.
	WaitForCompletion(ctx context.Context, instanceID string) (*InstanceStatus, error)
}

// Engine is a Client that also owns the registries and the background workers.
type Engine interface {
	Client

	RegisterOrchestrator(name string, fn Orchestrator) error
	RegisterActivity(name string, fn Activity, opts ActivityOptions) error
	RegisterEntity(entityType string, ops map[string]EntityOperation) error

	// Start recovers in-flight instances and launches the dispatcher, activity
	// workers, timer loop and entity runtime. It returns once they are running.
	Start(ctx context.Context) error

	// Stop cancels the background workers and waits for them to exit.
	Stop() error
}

// StartOption customizes StartOrchestration.
type StartOption func(*StartOptions)

// StartOptions holds StartOrchestration settings.
type StartOptions struct {
	InstanceID string
}

// WithInstanceID starts the orchestration under a caller-chosen id.
func WithInstanceID(id string) StartOption {
	return func(o *StartOptions) {
		o.InstanceID = id
	}
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// Name, if non-empty, limits results to instances of the given orchestrator.
	Name string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// ManagementPayload carries illustrative handles for an instance. In a
// non-HTTP embedding they are opaque strings rather than live endpoints.
type ManagementPayload struct {
	ID             string `json:"id"`
	StatusQueryURL string `json:"statusQueryGetUri"`
	RaiseEventURL  string `json:"sendEventPostUri"`
	TerminateURL   string `json:"terminatePostUri"`
}

// InstanceStatus is the queryable view of an instance.
type InstanceStatus struct {
	ID           string
	Name         string
	Execution    int
	Status       Status
	Input        []byte
	Output       []byte
	CustomStatus []byte
	Failure      *ErrorInfo
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Converter Converter `json:"-"`
}

// IsTerminal reports whether the instance can make no further progress.
func (s *InstanceStatus) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Err returns the recorded failure as an error, or nil.
func (s *InstanceStatus) Err() error {
	if s.Failure == nil {
		return nil
	}
	return s.Failure.Err()
}

func (s *InstanceStatus) ReadInput(v any) error {
	return s.converter().From(s.Input, v)
}

func (s *InstanceStatus) ReadOutput(v any) error {
	return s.converter().From(s.Output, v)
}

func (s *InstanceStatus) ReadCustomStatus(v any) error {
	return s.converter().From(s.CustomStatus, v)
}

func (s *InstanceStatus) converter() Converter {
	if s.Converter == nil {
		return NewJSONConverter()
	}
	return s.Converter
}
