package conductor

import (
	"errors"
	"fmt"
	"strings"
)

// AppBuilder collects orchestrators, activities and entities and registers
// them on an Engine in one call:
//
//	app := conductor.New().
//	    Orchestrator("EmployeeOnboarding", onboarding).
//	    Activity("CreateRecord", createRecord).
//	    ActivityWithRetry("GetQuote", getQuote, conductor.Retry(3).WithConstantBackoff(time.Second)).
//	    Entity("Department", map[string]conductor.EntityOperation{"hire": hire})
//
//	if err := app.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
type AppBuilder struct {
	orchestrators []namedOrchestrator
	activities    []namedActivity
	entities      []namedEntity
}

type namedOrchestrator struct {
	name string
	fn   Orchestrator
}

type namedActivity struct {
	name string
	fn   Activity
	opts ActivityOptions
}

type namedEntity struct {
	entityType string
	ops        map[string]EntityOperation
}

// New creates an empty AppBuilder.
func New() *AppBuilder {
	return &AppBuilder{}
}

// Orchestrator adds an orchestrator.
func (b *AppBuilder) Orchestrator(name string, fn Orchestrator) *AppBuilder {
	mustName("orchestrator", name, fn == nil)
	b.orchestrators = append(b.orchestrators, namedOrchestrator{name: name, fn: fn})
	return b
}

// Activity adds an activity using the engine's default retry policy.
func (b *AppBuilder) Activity(name string, fn Activity) *AppBuilder {
	mustName("activity", name, fn == nil)
	b.activities = append(b.activities, namedActivity{name: name, fn: fn})
	return b
}

// ActivityWithRetry adds an activity whose calls default to the given retry policy.
func (b *AppBuilder) ActivityWithRetry(name string, fn Activity, retry RetryBuilder) *AppBuilder {
	mustName("activity", name, fn == nil)

	// Copy so later changes to the builder don't leak into the registration.
	p := retry.Policy()
	b.activities = append(b.activities, namedActivity{name: name, fn: fn, opts: ActivityOptions{Retry: &p}})
	return b
}

// Entity adds an entity type with its operations.
func (b *AppBuilder) Entity(entityType string, ops map[string]EntityOperation) *AppBuilder {
	mustName("entity", entityType, len(ops) == 0)
	b.entities = append(b.entities, namedEntity{entityType: entityType, ops: ops})
	return b
}

// Names returns the registered orchestrator names in insertion order.
func (b *AppBuilder) Names() []string {
	names := make([]string, 0, len(b.orchestrators))
	for _, o := range b.orchestrators {
		names = append(names, o.name)
	}
	return names
}

// Register registers everything on eng. Every registration is attempted;
// the returned error joins the individual failures.
func (b *AppBuilder) Register(eng Engine) error {
	var errs []error
	for _, a := range b.activities {
		if err := eng.RegisterActivity(a.name, a.fn, a.opts); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range b.entities {
		if err := eng.RegisterEntity(e.entityType, e.ops); err != nil {
			errs = append(errs, err)
		}
	}
	for _, o := range b.orchestrators {
		if err := eng.RegisterOrchestrator(o.name, o.fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *AppBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

func mustName(kind, name string, missing bool) {
	if strings.TrimSpace(name) == "" {
		panic(fmt.Sprintf("conductor: %s name must not be empty", kind))
	}
	if missing {
		panic(fmt.Sprintf("conductor: %s %q has no implementation", kind, name))
	}
}
