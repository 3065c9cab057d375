package npl

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// PoolSize is the number of event queues a Pool can hand out.
	PoolSize = 8
	// QueueDepth is the capacity of each event queue.
	QueueDepth = 16
)

var defaultPool Pool

// Pool is a fixed arena of event queue rings. Slots are claimed with a
// compare-and-swap and never returned. The zero value is ready to use.
type Pool struct {
	slots [PoolSize]poolSlot
}

type poolSlot struct {
	taken atomic.Bool
	ring  [QueueDepth]*Event
}

func (p *Pool) claim() *[QueueDepth]*Event {
	for i := range p.slots {
		s := &p.slots[i]
		if s.taken.CompareAndSwap(false, true) {
			return &s.ring
		}
	}
	return nil
}

// Available returns the number of unclaimed slots.
func (p *Pool) Available() int {
	n := 0
	for i := range p.slots {
		if !p.slots[i].taken.Load() {
			n++
		}
	}
	return n
}

// EventQueue is a bounded FIFO of events with one consumer and any number of
// producers. Get, Put and Remove all hold mu while they touch the ring.
type EventQueue struct {
	port *Port

	mu   sync.Mutex
	ring *[QueueDepth]*Event
	head int
	n    int

	// holds a token whenever the ring may have become non-empty
	notify chan struct{}
}

// InitEventQueue binds q to a slot from the port's pool. It panics when the
// pool is exhausted or q was already initialized.
func (p *Port) InitEventQueue(q *EventQueue) {
	if q.ring != nil {
		panic("event queue initialized twice")
	}
	ring := p.pool.claim()
	if ring == nil {
		panic(fmt.Sprintf("no more event queues (%d in use)", PoolSize))
	}
	q.port = p
	q.ring = ring
	q.head, q.n = 0, 0
	q.notify = make(chan struct{}, 1)
	p.log.Debugf("event queue claimed, %d left", p.pool.Available())
}

// NewEventQueue claims and returns a new queue.
func (p *Port) NewEventQueue() *EventQueue {
	q := &EventQueue{}
	p.InitEventQueue(q)
	return q
}

// Get yields once and then dequeues the oldest event. A timeout of 0 polls,
// Forever waits until an event arrives or ctx is done, anything else waits at
// most that many ticks. It returns nil when nothing was dequeued.
func (q *EventQueue) Get(ctx context.Context, tmo Time) *Event {
	runtime.Gosched()

	if ev := q.pop(); ev != nil || tmo == 0 {
		return ev
	}

	if tmo != Forever {
		var cancel context.CancelFunc
		ctx, cancel = q.port.wakeContext(ctx, tmo)
		defer cancel()
	}
	for {
		select {
		case <-q.notify:
			if ev := q.pop(); ev != nil {
				return ev
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *EventQueue) pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil
	}
	ev := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % QueueDepth
	q.n--
	ev.queued.Store(false)
	if q.n > 0 {
		q.signal()
	}
	return ev
}

func (q *EventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Put appends ev. It is a no-op when ev is already queued and panics when
// the queue is full. It never blocks.
func (q *EventQueue) Put(ev *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.queued.Load() {
		return
	}
	if q.n == QueueDepth {
		panic(fmt.Sprintf("event queue full (%d)", QueueDepth))
	}
	q.ring[(q.head+q.n)%QueueDepth] = ev
	q.n++
	ev.queued.Store(true)
	q.signal()
}

// Remove takes ev out of the queue, keeping the relative order of the rest.
func (q *EventQueue) Remove(ev *Event) {
	q.port.withCritical(func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		k := 0
		for i := 0; i < q.n; i++ {
			e := q.ring[(q.head+i)%QueueDepth]
			if e == ev {
				ev.queued.Store(false)
				continue
			}
			q.ring[(q.head+k)%QueueDepth] = e
			k++
		}
		for i := k; i < q.n; i++ {
			q.ring[(q.head+i)%QueueDepth] = nil
		}
		q.n = k
	})
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *EventQueue) IsEmpty() bool {
	return q.Len() == 0
}
