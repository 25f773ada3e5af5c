package api

// Status represents the lifecycle state of an orchestration instance.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusContinuedAsNew Status = "CONTINUED_AS_NEW"
	StatusTerminated     Status = "TERMINATED"
)

// IsTerminal reports whether an instance in this status can make no further progress.
// ContinuedAsNew is transient: the instance re-enters Running with a new execution.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}
