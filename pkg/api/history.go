package api

import "time"

// EventType identifies a history event.
type EventType string

const (
	EventOrchestratorStarted   EventType = "orchestrator.started"
	EventActivityScheduled     EventType = "activity.scheduled"
	EventActivityCompleted     EventType = "activity.completed"
	EventActivityFailed        EventType = "activity.failed"
	EventTimerCreated          EventType = "timer.created"
	EventTimerFired            EventType = "timer.fired"
	EventExternalEventReceived EventType = "event.received"
	EventCustomStatusSet       EventType = "status.custom"
	EventContinueAsNew         EventType = "orchestrator.continued"
	EventOrchestratorCompleted EventType = "orchestrator.completed"
	EventOrchestratorFailed    EventType = "orchestrator.failed"
	EventExecutionTerminated   EventType = "orchestrator.terminated"
)

// NoTaskID marks events that do not belong to an activity or timer.
const NoTaskID = -1

// HistoryEvent is one entry of an instance's append-only history.
//
// It is a flat record discriminated by Type; only the fields relevant to the
// event type are populated:
//
//	OrchestratorStarted    Name (orchestrator), Payload (input)
//	ActivityScheduled      TaskID, Name (activity), Payload (input)
//	ActivityCompleted      TaskID, Payload (output)
//	ActivityFailed         TaskID, Failure
//	TimerCreated           TaskID, FireAt, Name (awaited event, if a wait timeout)
//	TimerFired             TaskID
//	ExternalEventReceived  Name (event), Payload
//	CustomStatusSet        Payload
//	ContinueAsNew          Payload (new input)
//	OrchestratorCompleted  Payload (output)
//	OrchestratorFailed     Failure
//	ExecutionTerminated    Payload (reason)
type HistoryEvent struct {
	Seq       int        `msgpack:"seq" bson:"seq"`
	Type      EventType  `msgpack:"type" bson:"type"`
	Timestamp time.Time  `msgpack:"ts" bson:"ts"`
	TaskID    int        `msgpack:"task_id" bson:"task_id"`
	Name      string     `msgpack:"name,omitempty" bson:"name,omitempty"`
	Payload   []byte     `msgpack:"payload,omitempty" bson:"payload,omitempty"`
	FireAt    time.Time  `msgpack:"fire_at,omitempty" bson:"fire_at,omitempty"`
	Failure   *ErrorInfo `msgpack:"failure,omitempty" bson:"failure,omitempty"`
}

// IsTerminal reports whether the event ends an execution.
func (e HistoryEvent) IsTerminal() bool {
	switch e.Type {
	case EventOrchestratorCompleted, EventOrchestratorFailed, EventContinueAsNew, EventExecutionTerminated:
		return true
	}
	return false
}

func NewOrchestratorStarted(name string, input []byte) HistoryEvent {
	return HistoryEvent{Type: EventOrchestratorStarted, TaskID: NoTaskID, Name: name, Payload: input}
}

func NewActivityScheduled(taskID int, activity string, input []byte) HistoryEvent {
	return HistoryEvent{Type: EventActivityScheduled, TaskID: taskID, Name: activity, Payload: input}
}

func NewActivityCompleted(taskID int, output []byte) HistoryEvent {
	return HistoryEvent{Type: EventActivityCompleted, TaskID: taskID, Payload: output}
}

func NewActivityFailed(taskID int, info ErrorInfo) HistoryEvent {
	return HistoryEvent{Type: EventActivityFailed, TaskID: taskID, Failure: &info}
}

func NewTimerCreated(timerID int, fireAt time.Time, eventName string) HistoryEvent {
	return HistoryEvent{Type: EventTimerCreated, TaskID: timerID, FireAt: fireAt, Name: eventName}
}

func NewTimerFired(timerID int) HistoryEvent {
	return HistoryEvent{Type: EventTimerFired, TaskID: timerID}
}

func NewExternalEventReceived(name string, payload []byte) HistoryEvent {
	return HistoryEvent{Type: EventExternalEventReceived, TaskID: NoTaskID, Name: name, Payload: payload}
}

func NewCustomStatusSet(payload []byte) HistoryEvent {
	return HistoryEvent{Type: EventCustomStatusSet, TaskID: NoTaskID, Payload: payload}
}

func NewContinueAsNew(input []byte) HistoryEvent {
	return HistoryEvent{Type: EventContinueAsNew, TaskID: NoTaskID, Payload: input}
}

func NewOrchestratorCompleted(output []byte) HistoryEvent {
	return HistoryEvent{Type: EventOrchestratorCompleted, TaskID: NoTaskID, Payload: output}
}

func NewOrchestratorFailed(info ErrorInfo) HistoryEvent {
	return HistoryEvent{Type: EventOrchestratorFailed, TaskID: NoTaskID, Failure: &info}
}

func NewExecutionTerminated(reason string) HistoryEvent {
	return HistoryEvent{Type: EventExecutionTerminated, TaskID: NoTaskID, Payload: []byte(reason)}
}
