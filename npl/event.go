package npl

import (
	"sync/atomic"
)

// EventFunc handles an event when it is dequeued and run.
type EventFunc func(ev *Event)

// Event is a unit of deferred work. The caller owns its storage; a queue only
// holds a reference while the event is queued.
type Event struct {
	fn     EventFunc
	arg    interface{}
	queued atomic.Bool
}

// NewEvent returns an initialized event.
func NewEvent(fn EventFunc, arg interface{}) *Event {
	ev := &Event{}
	ev.Init(fn, arg)
	return ev
}

// Init sets the handler and argument and marks the event not queued.
func (ev *Event) Init(fn EventFunc, arg interface{}) {
	ev.fn = fn
	ev.arg = arg
	ev.queued.Store(false)
}

// Run invokes the handler. An event without a handler does nothing.
func (ev *Event) Run() {
	if ev.fn != nil {
		ev.fn(ev)
	}
}

// IsQueued reports whether the event sits in a queue.
func (ev *Event) IsQueued() bool {
	return ev.queued.Load()
}

func (ev *Event) Arg() interface{} {
	return ev.arg
}

// SetArg replaces the argument. Do not call it while the event is queued.
func (ev *Event) SetArg(arg interface{}) {
	ev.arg = arg
}
