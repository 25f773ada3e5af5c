// Package executor runs one replay pass of an orchestrator against its
// recorded history.
//
// A pass re-executes the orchestrator from the start. Every yield point is
// resolved eagerly against the indexed history; awaiting a task whose result
// is not recorded aborts the pass with a suspend signal. The pass reports the
// events to append and the work (activities, timers, event waits) the engine
// must dispatch. The executor never touches storage.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

// OrchestratorLookup resolves orchestrator names to code.
type OrchestratorLookup interface {
	Orchestrator(name string) (api.Orchestrator, error)
}

// Instance identifies the execution being replayed.
type Instance struct {
	ID        string
	Name      string
	Execution int
}

// ActivityDispatch is an activity scheduled for the first time in this pass.
type ActivityDispatch struct {
	TaskID int
	Name   string
	Input  []byte
	Retry  *api.RetryPolicy
}

// TimerDispatch is a timer created for the first time in this pass.
type TimerDispatch struct {
	TimerID   int
	FireAt    time.Time
	EventName string
}

// Result is the outcome of a pass.
type Result struct {
	Action api.PassAction

	// NewEvents are the events to append, with Seq and Timestamp assigned.
	NewEvents  []api.HistoryEvent
	Activities []ActivityDispatch
	Timers     []TimerDispatch

	// Waits lists the event names the orchestrator is blocked on or will
	// block on, in call order, without duplicates.
	Waits []string

	Output        []byte
	Failure       *api.ErrorInfo
	ContinueInput []byte

	// CustomStatus is the latest custom status of the execution;
	// CustomStatusSet is false when the orchestrator never set one.
	CustomStatus    []byte
	CustomStatusSet bool
}

// Executor runs replay passes. It is stateless between passes and safe for
// concurrent use.
type Executor struct {
	orchestrators OrchestratorLookup
	converter     api.Converter
	logger        *slog.Logger
}

// New returns an Executor that resolves orchestrators by name. A nil
// converter defaults to JSON and a nil logger to slog.Default.
func New(orchestrators OrchestratorLookup, converter api.Converter, logger *slog.Logger) *Executor {
	if converter == nil {
		converter = api.NewJSONConverter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{orchestrators: orchestrators, converter: converter, logger: logger}
}

// Run replays history and returns what the pass produced. now stamps the new
// events. The history must start with OrchestratorStarted and must not
// already be terminal.
func (x *Executor) Run(ctx context.Context, inst Instance, history []api.HistoryEvent, now time.Time) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(history) == 0 || history[0].Type != api.EventOrchestratorStarted {
		return nil, fmt.Errorf("instance %s: history does not start with %s", inst.ID, api.EventOrchestratorStarted)
	}
	if last := history[len(history)-1]; last.IsTerminal() {
		return nil, fmt.Errorf("instance %s: execution %d already ended with %s", inst.ID, inst.Execution, last.Type)
	}

	fn, err := x.orchestrators.Orchestrator(inst.Name)
	if err != nil {
		return nil, err
	}

	oc := newOrchestrationContext(inst, history, x.converter, x.logger)
	output, runErr, suspended := invoke(fn, oc)

	res := &Result{
		CustomStatus:    oc.customStatus,
		CustomStatusSet: oc.customStatusSet,
	}

	if runErr == nil && oc.continueErr != nil {
		runErr = oc.continueErr
	}

	var nd *api.NonDeterminismError
	if !errors.As(runErr, &nd) {
		if err := oc.checkUnreached(); err != nil {
			runErr, suspended = err, false
		}
	}

	switch {
	case errors.As(runErr, &nd):
		// Nothing issued by a diverged pass can be trusted.
		info := api.ErrorInfoFromError(api.FailureNonDeterministic, runErr)
		res.fail(info)
		res.NewEvents = []api.HistoryEvent{api.NewOrchestratorFailed(info)}

	case suspended:
		res.Action = api.PassSuspend
		res.NewEvents = oc.newEvents
		res.Activities = oc.activities
		res.Timers = oc.timers
		res.Waits = oc.pendingWaits()

	case runErr != nil:
		failureType := api.FailureOrchestrator
		var pe *panicError
		if errors.As(runErr, &pe) {
			failureType = api.FailureOrchestratorPanic
		}
		info := api.ErrorInfoFromError(failureType, runErr)
		if pe != nil {
			info.Details = pe.stack
		}
		res.fail(info)
		res.NewEvents = append(oc.newEvents, api.NewOrchestratorFailed(info))

	case oc.continued:
		res.Action = api.PassContinueAsNew
		res.ContinueInput = oc.continueInput
		res.NewEvents = append(oc.newEvents, api.NewContinueAsNew(oc.continueInput))

	default:
		payload, err := x.converter.To(output)
		if err != nil {
			info := api.ErrorInfoFromError(api.FailureOrchestrator, fmt.Errorf("encode output: %w", err))
			res.fail(info)
			res.NewEvents = append(oc.newEvents, api.NewOrchestratorFailed(info))
			break
		}
		res.Action = api.PassComplete
		res.Output = payload
		res.NewEvents = append(oc.newEvents, api.NewOrchestratorCompleted(payload))
		res.Activities = oc.activities
	}

	now = now.UTC()
	for i := range res.NewEvents {
		res.NewEvents[i].Seq = len(history) + i
		res.NewEvents[i].Timestamp = now
	}
	return res, nil
}

func (r *Result) fail(info api.ErrorInfo) {
	r.Action = api.PassFail
	r.Failure = &info
}

// suspendSignal is panicked by Await on an unresolved task.
type suspendSignal struct{}

var errSuspend = suspendSignal{}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("orchestrator panicked: %v", e.value)
}

func invoke(fn api.Orchestrator, oc *orchestrationContext) (output any, err error, suspended bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(suspendSignal); ok {
			suspended = true
			return
		}
		if nd, ok := r.(*api.NonDeterminismError); ok {
			err = nd
			return
		}
		err = &panicError{value: r, stack: string(debug.Stack())}
	}()

	output, err = fn(oc)
	return output, err, false
}
