package executor

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/petrijr/conductor/pkg/api"
)

// recorded is a history event together with its position.
type recorded struct {
	index int
	event api.HistoryEvent
}

type orchestrationContext struct {
	inst      Instance
	input     []byte
	converter api.Converter
	logger    *slog.Logger

	scheduled    map[int]recorded
	completions  map[int]recorded
	events       map[string][]recorded
	eventCursor  map[string]int
	statuses     []recorded
	statusCursor int

	// checkpoint is the index of the last event produced by orchestrator
	// code. Consuming anything recorded after it means the pass has moved
	// past what earlier passes executed.
	checkpoint int

	seq       int
	now       time.Time
	replaying bool

	newEvents  []api.HistoryEvent
	activities []ActivityDispatch
	timers     []TimerDispatch
	waits      []*task

	customStatus    []byte
	customStatusSet bool

	continued     bool
	continueInput []byte
	continueErr   error
}

func newOrchestrationContext(inst Instance, history []api.HistoryEvent, conv api.Converter, logger *slog.Logger) *orchestrationContext {
	c := &orchestrationContext{
		inst:        inst,
		input:       history[0].Payload,
		converter:   conv,
		scheduled:   make(map[int]recorded),
		completions: make(map[int]recorded),
		events:      make(map[string][]recorded),
		eventCursor: make(map[string]int),
		now:         history[0].Timestamp,
	}

	for i, ev := range history {
		rec := recorded{index: i, event: ev}
		switch ev.Type {
		case api.EventActivityScheduled, api.EventTimerCreated:
			if _, dup := c.scheduled[ev.TaskID]; !dup {
				c.scheduled[ev.TaskID] = rec
			}
			c.checkpoint = i
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventTimerFired:
			if _, dup := c.completions[ev.TaskID]; !dup {
				c.completions[ev.TaskID] = rec
			}
		case api.EventExternalEventReceived:
			c.events[ev.Name] = append(c.events[ev.Name], rec)
		case api.EventCustomStatusSet:
			c.statuses = append(c.statuses, rec)
			c.checkpoint = i
		}
	}
	c.replaying = c.checkpoint > 0

	c.logger = slog.New(&replayHandler{inner: logger.Handler(), oc: c}).With(
		slog.String("instance_id", inst.ID),
		slog.String("orchestrator", inst.Name),
	)
	return c
}

func (c *orchestrationContext) InstanceID() string { return c.inst.ID }
func (c *orchestrationContext) Name() string       { return c.inst.Name }

func (c *orchestrationContext) GetInput(v any) error {
	return c.converter.From(c.input, v)
}

func (c *orchestrationContext) CurrentTime() time.Time { return c.now }
func (c *orchestrationContext) IsReplaying() bool      { return c.replaying }
func (c *orchestrationContext) Logger() *slog.Logger   { return c.logger }

func (c *orchestrationContext) CallActivity(name string, input any, opts ...api.CallOption) api.Task {
	var o api.CallOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := c.nextID()
	issued := describe(api.EventActivityScheduled, name)
	t := &task{oc: c, id: id, index: -1}

	if rec, ok := c.scheduled[id]; ok {
		c.expect(id, rec, api.EventActivityScheduled, name, issued)
		if done, ok := c.completions[id]; ok {
			switch done.event.Type {
			case api.EventActivityCompleted:
				t.resolve(done, done.event.Payload, nil)
			case api.EventActivityFailed:
				var info api.ErrorInfo
				if done.event.Failure != nil {
					info = *done.event.Failure
				}
				t.resolve(done, nil, &api.ActivityError{ActivityName: name, TaskID: id, Info: info})
			default:
				panic(&api.NonDeterminismError{TaskID: id, Expected: describe(done.event.Type, ""), Actual: issued})
			}
		}
		return t
	}

	payload, err := c.converter.To(input)
	if err != nil {
		t.done = true
		t.err = fmt.Errorf("encode input of activity %s: %w", name, err)
		return t
	}
	c.record(api.NewActivityScheduled(id, name, payload))
	c.activities = append(c.activities, ActivityDispatch{TaskID: id, Name: name, Input: payload, Retry: o.Retry})
	return t
}

func (c *orchestrationContext) CreateTimer(d time.Duration) api.Task {
	id := c.nextID()
	t := &task{oc: c, id: id, index: -1}

	if rec, ok := c.scheduled[id]; ok {
		c.expect(id, rec, api.EventTimerCreated, "", describe(api.EventTimerCreated, ""))
		c.resolveTimer(t)
		return t
	}

	// Relative to orchestration time, the timestamp of the last consumed
	// event, not wall time. A timer created after a long activity counts from
	// that activity's completion.
	fireAt := c.now.Add(d)
	c.record(api.NewTimerCreated(id, fireAt, ""))
	c.timers = append(c.timers, TimerDispatch{TimerID: id, FireAt: fireAt})
	return t
}

func (c *orchestrationContext) WaitForExternalEvent(name string, timeout time.Duration) api.Task {
	id := c.nextID()
	t := &task{oc: c, id: id, index: -1, eventName: name}

	if timeout > 0 {
		if rec, ok := c.scheduled[id]; ok {
			c.expect(id, rec, api.EventTimerCreated, name, describe(api.EventTimerCreated, name))
		} else {
			// Orchestration time, as for CreateTimer.
			fireAt := c.now.Add(timeout)
			c.record(api.NewTimerCreated(id, fireAt, name))
			c.timers = append(c.timers, TimerDispatch{TimerID: id, FireAt: fireAt, EventName: name})
		}
	} else if rec, ok := c.scheduled[id]; ok {
		panic(&api.NonDeterminismError{
			TaskID:   id,
			Expected: describe(rec.event.Type, rec.event.Name),
			Actual:   "wait for event(" + name + ")",
		})
	}

	fired, timedOut := c.completions[id]
	timedOut = timedOut && timeout > 0 && fired.event.Type == api.EventTimerFired

	// The first of the next unconsumed event and the timeout wins.
	evs := c.events[name]
	if cur := c.eventCursor[name]; cur < len(evs) && (!timedOut || evs[cur].index < fired.index) {
		c.eventCursor[name] = cur + 1
		t.resolve(evs[cur], evs[cur].event.Payload, nil)
		return t
	}
	if timedOut {
		t.resolve(fired, nil, fmt.Errorf("%w: %s", api.ErrEventTimeout, name))
		return t
	}

	c.waits = append(c.waits, t)
	return t
}

func (c *orchestrationContext) SetCustomStatus(v any) {
	if c.statusCursor < len(c.statuses) {
		rec := c.statuses[c.statusCursor]
		c.statusCursor++
		c.customStatus, c.customStatusSet = rec.event.Payload, true
		return
	}

	payload, err := c.converter.To(v)
	if err != nil {
		c.logger.Warn("custom status not recorded", slog.Any("error", err))
		return
	}
	c.record(api.NewCustomStatusSet(payload))
	c.customStatus, c.customStatusSet = payload, true
}

func (c *orchestrationContext) ContinueAsNew(input any) {
	payload, err := c.converter.To(input)
	if err != nil {
		c.continueErr = fmt.Errorf("encode continue-as-new input: %w", err)
		return
	}
	c.continued = true
	c.continueInput = payload
}

func (c *orchestrationContext) nextID() int {
	id := c.seq
	c.seq++
	return id
}

func (c *orchestrationContext) record(ev api.HistoryEvent) {
	c.replaying = false
	c.newEvents = append(c.newEvents, ev)
}

func (c *orchestrationContext) expect(id int, rec recorded, typ api.EventType, name, issued string) {
	if rec.event.Type != typ || rec.event.Name != name {
		panic(&api.NonDeterminismError{
			TaskID:   id,
			Expected: describe(rec.event.Type, rec.event.Name),
			Actual:   issued,
		})
	}
}

func (c *orchestrationContext) resolveTimer(t *task) {
	done, ok := c.completions[t.id]
	if !ok {
		return
	}
	if done.event.Type != api.EventTimerFired {
		panic(&api.NonDeterminismError{TaskID: t.id, Expected: describe(done.event.Type, ""), Actual: describe(api.EventTimerCreated, "")})
	}
	t.resolve(done, nil, nil)
}

// consume advances orchestration time to the event that resolved t.
func (c *orchestrationContext) consume(t *task) {
	if t.index < 0 {
		return
	}
	if t.at.After(c.now) {
		c.now = t.at
	}
	if t.index > c.checkpoint {
		c.replaying = false
	}
}

// checkUnreached reports scheduled ids in history that this pass never issued.
func (c *orchestrationContext) checkUnreached() error {
	var ids []int
	for id := range c.scheduled {
		if id >= c.seq {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Ints(ids)
	rec := c.scheduled[ids[0]]
	return &api.NonDeterminismError{
		TaskID:   ids[0],
		Expected: describe(rec.event.Type, rec.event.Name),
		Actual:   "nothing",
	}
}

func (c *orchestrationContext) pendingWaits() []string {
	var names []string
	seen := make(map[string]bool)
	for _, t := range c.waits {
		if t.done || seen[t.eventName] {
			continue
		}
		seen[t.eventName] = true
		names = append(names, t.eventName)
	}
	return names
}

func describe(typ api.EventType, name string) string {
	if name == "" {
		return string(typ)
	}
	return string(typ) + "(" + name + ")"
}
