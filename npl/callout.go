package npl

import (
	"sync/atomic"
)

// Callout posts its event to a queue once a deadline has passed.
type Callout struct {
	ev   Event
	q    *EventQueue
	port *Port

	expires atomic.Uint32
	// generation<<1 | active. Reset bumps the generation so that a superseded
	// wake does nothing; a wake fires only by swapping its own armed state.
	state atomic.Uint64
}

const calloutActive = 1

// InitCallout binds c to q with the given handler. The callout starts
// inactive.
func (p *Port) InitCallout(c *Callout, q *EventQueue, fn EventFunc, arg interface{}) {
	c.port = p
	c.q = q
	c.state.Store(0)
	c.ev.Init(fn, arg)
}

// NewCallout allocates and initializes a callout.
func (p *Port) NewCallout(q *EventQueue, fn EventFunc, arg interface{}) *Callout {
	c := &Callout{}
	p.InitCallout(c, q, fn, arg)
	return c
}

// Reset arms the callout to fire ticks from now, replacing any earlier
// deadline. Two resets in a row produce one post at the later deadline.
func (c *Callout) Reset(ticks Time) error {
	at := c.port.time.Now() + uint64(ticks)
	c.expires.Store(Time(at))

	var armed uint64
	for {
		old := c.state.Load()
		armed = (old>>1+1)<<1 | calloutActive
		if c.state.CompareAndSwap(old, armed) {
			break
		}
	}
	c.port.time.ScheduleWake(at, func() {
		c.port.expire(c, armed)
	})
	return nil
}

type expiry struct {
	c     *Callout
	armed uint64
}

// expire fires c directly, or hands it to the timer interrupt when the port
// has one.
func (p *Port) expire(c *Callout, armed uint64) {
	if !p.useIRQ {
		c.fire(armed)
		return
	}
	p.expMu.Lock()
	p.expired = append(p.expired, expiry{c: c, armed: armed})
	p.expMu.Unlock()
	p.platform.Pend(p.timerIRQ)
}

func (p *Port) timerISR() {
	p.expMu.Lock()
	due := p.expired
	p.expired = nil
	p.expMu.Unlock()

	for _, x := range due {
		x.c.fire(x.armed)
	}
}

// fire posts the event if the callout is still in the armed state the wake
// was scheduled for.
func (c *Callout) fire(armed uint64) {
	if c.state.CompareAndSwap(armed, armed&^calloutActive) {
		c.q.Put(&c.ev)
	}
}

// Stop disarms the callout. An event already posted stays queued.
func (c *Callout) Stop() {
	for {
		old := c.state.Load()
		if old&calloutActive == 0 || c.state.CompareAndSwap(old, old&^calloutActive) {
			return
		}
	}
}

func (c *Callout) IsActive() bool {
	return c.state.Load()&calloutActive != 0
}

// Ticks returns the last programmed deadline.
func (c *Callout) Ticks() Time {
	return c.expires.Load()
}

// RemainingTicks returns the ticks left until the deadline as seen from now,
// or 0 once it has passed.
func (c *Callout) RemainingTicks(now Time) Time {
	d := int32(c.expires.Load() - now)
	if d < 0 {
		return 0
	}
	return Time(d)
}

// Event returns the event posted on expiry.
func (c *Callout) Event() *Event {
	return &c.ev
}

func (c *Callout) SetArg(arg interface{}) {
	c.ev.SetArg(arg)
}
