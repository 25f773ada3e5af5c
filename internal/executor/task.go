package executor

import "time"

type task struct {
	oc        *orchestrationContext
	id        int
	eventName string

	done    bool
	payload []byte
	err     error

	// index and at locate the resolving event; index is -1 when the task
	// was resolved without one.
	index int
	at    time.Time
}

func (t *task) resolve(rec recorded, payload []byte, err error) {
	t.done = true
	t.payload = payload
	t.err = err
	t.index = rec.index
	t.at = rec.event.Timestamp
}

func (t *task) IsDone() bool { return t.done }

func (t *task) Await(v any) error {
	if !t.done {
		panic(errSuspend)
	}
	t.oc.consume(t)
	if t.err != nil {
		return t.err
	}
	if v == nil || len(t.payload) == 0 {
		return nil
	}
	return t.oc.converter.From(t.payload, v)
}
