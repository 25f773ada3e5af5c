package api

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound is returned for operations on an unknown instance id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned when starting an instance with an id that is already in use.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceNotRunning is returned when an operation requires a running instance.
	ErrInstanceNotRunning = errors.New("instance is not running")

	ErrUnknownOrchestrator = errors.New("unknown orchestrator")
	ErrUnknownActivity     = errors.New("unknown activity")

	// ErrUnknownEntity is returned when signalling an entity type that has no registered operations.
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrEntityNotFound is returned when reading an entity that has no persisted state.
	ErrEntityNotFound = errors.New("entity not found")

	ErrUnknownOperation = errors.New("unknown entity operation")

	// ErrEventTimeout is returned by Await on an external event wait whose
	// timeout timer fired before a matching event was recorded.
	ErrEventTimeout = errors.New("external event wait timed out")

	// ErrNonDeterministic marks failures caused by orchestrator code issuing a
	// different sequence of calls than the one recorded in history.
	ErrNonDeterministic = errors.New("non-deterministic orchestration replay")
)

// Failure types recorded in ErrorInfo.Type.
const (
	FailureOrchestrator      = "OrchestratorError"
	FailureOrchestratorPanic = "OrchestratorPanic"
	FailureNonDeterministic  = "NonDeterministicReplay"
	FailureActivity          = "ActivityError"
	FailureActivityPanic     = "ActivityPanic"
	FailureUnknownActivity   = "UnknownActivity"
	FailureTerminated        = "Terminated"
)

// ErrorInfo is the serializable form of a failure stored in history.
type ErrorInfo struct {
	Type    string `msgpack:"type" bson:"type" json:"type"`
	Message string `msgpack:"message" bson:"message" json:"message"`
	Details string `msgpack:"details,omitempty" bson:"details,omitempty" json:"details,omitempty"`
}

func (i ErrorInfo) String() string {
	if i.Type == "" {
		return i.Message
	}
	return i.Type + ": " + i.Message
}

// Err converts the stored failure back into an error. Non-determinism
// failures match ErrNonDeterministic via errors.Is.
func (i ErrorInfo) Err() error {
	if i.Type == FailureNonDeterministic {
		return fmt.Errorf("%w: %s", ErrNonDeterministic, i.Message)
	}
	return errors.New(i.String())
}

// ErrorInfoFromError builds an ErrorInfo of the given type. Application
// errors keep their own type.
func ErrorInfoFromError(failureType string, err error) ErrorInfo {
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr.Type != "" {
		failureType = appErr.Type
	}
	var nd *NonDeterminismError
	if errors.As(err, &nd) {
		failureType = FailureNonDeterministic
	}
	return ErrorInfo{Type: failureType, Message: err.Error()}
}

// ActivityError is what Await returns for an activity that failed terminally,
// either because its retries were exhausted or because it returned a
// non-retryable ApplicationError.
type ActivityError struct {
	ActivityName string
	TaskID       int
	Info         ErrorInfo
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s (task %d) failed: %s", e.ActivityName, e.TaskID, e.Info)
}

// ApplicationError lets activity and entity code signal a business-rule
// failure. It is terminal unless Retryable is set.
type ApplicationError struct {
	Type      string
	Message   string
	Retryable bool
	Cause     error
}

// NewApplicationError returns a business-rule failure.
func NewApplicationError(errType, message string, retryable bool) error {
	return &ApplicationError{Type: errType, Message: message, Retryable: retryable}
}

func (e *ApplicationError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// IsRetryable reports whether an activity error may be retried by the
// scheduler. Plain errors are transient; ApplicationErrors decide for themselves.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// NonDeterminismError describes a replay that diverged from history.
type NonDeterminismError struct {
	TaskID   int
	Expected string
	Actual   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic replay at id %d: history has %s, orchestrator issued %s", e.TaskID, e.Expected, e.Actual)
}

func (e *NonDeterminismError) Is(target error) bool { return target == ErrNonDeterministic }
