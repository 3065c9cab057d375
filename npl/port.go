// Package npl is the porting layer the engine is linked against: events,
// event queues drawn from a fixed pool, callouts, mutexes, semaphores, time,
// critical sections and interrupt registration.
//
// Put, callout Reset/Stop and the critical section calls never block and may
// be called from interrupt context. Get, Mutex.Pend and Sem.Pend block.
package npl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/cortexm"
	"github.com/rigado/nimble/nrf5x"
)

// Platform is the hardware half of the port.
type Platform interface {
	EnterCritical() bool
	ExitCritical(outer bool)
	InCritical() bool
	SetISR(irq int, fn func())
	Pend(irq int)
}

// Port ties the engine-facing primitives to a pool, a platform and a time
// driver.
type Port struct {
	pool     *Pool
	platform Platform
	time     TimeDriver
	log      nimble.Logger

	timerIRQ int
	useIRQ   bool
	expMu    sync.Mutex
	expired  []expiry

	started atomic.Bool

	dfltOnce sync.Once
	dflt     EventQueue
}

// PortOption configures a Port.
type PortOption func(*Port)

// WithPlatform sets the platform driver.
func WithPlatform(pl Platform) PortOption {
	return func(p *Port) {
		p.platform = pl
	}
}

// WithTimeDriver sets the time source used by callouts and timed waits.
func WithTimeDriver(td TimeDriver) PortOption {
	return func(p *Port) {
		p.time = td
	}
}

// WithPool draws event queues from pool instead of the process wide pool.
func WithPool(pool *Pool) PortOption {
	return func(p *Port) {
		p.pool = pool
	}
}

// WithTimerIRQ makes callouts expire from the handler of interrupt line irq,
// the way the RTC compare interrupt drives them on hardware. The port owns
// the line's handler.
func WithTimerIRQ(irq int) PortOption {
	return func(p *Port) {
		p.timerIRQ = irq
		p.useIRQ = true
	}
}

// WithLogger overrides the port logger.
func WithLogger(l nimble.Logger) PortOption {
	return func(p *Port) {
		p.log = l
	}
}

// NewPort returns a port. Without options it uses the process wide pool, the
// wall clock at DefaultTickRate and an nrf5x driver on a simulated core.
func NewPort(opts ...PortOption) *Port {
	p := &Port{
		pool: &defaultPool,
		log:  nimble.PackageLogger("npl"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.time == nil {
		p.time = NewClockDriver(clock.New(), DefaultTickRate)
	}
	if p.platform == nil {
		core := cortexm.NewSim()
		drv := nrf5x.New(core, core)
		drv.Attach(core)
		p.platform = drv
	}
	if p.useIRQ {
		p.platform.SetISR(p.timerIRQ, p.timerISR)
	}
	return p
}

// EnterCritical enters the engine critical section. It returns 1 when this call
// is the outermost entry and 0 when nested; pass the value to ExitCritical.
func (p *Port) EnterCritical() uint32 {
	if p.platform.EnterCritical() {
		return 1
	}
	return 0
}

// ExitCritical leaves a critical section entered with EnterCritical.
func (p *Port) ExitCritical(ctx uint32) {
	p.platform.ExitCritical(ctx == 1)
}

// InCritical reports whether the engine critical section is held.
func (p *Port) InCritical() bool {
	return p.platform.InCritical()
}

func (p *Port) withCritical(fn func()) {
	outer := p.platform.EnterCritical()
	defer p.platform.ExitCritical(outer)
	fn()
}

// SetISR redirects interrupt line irq to fn.
func (p *Port) SetISR(irq int, fn func()) {
	p.platform.SetISR(irq, fn)
}

// OSStarted reports whether Run has been entered.
func (p *Port) OSStarted() bool {
	return p.started.Load()
}

// AssertFailed is the engine's assertion hook. It never returns.
func (p *Port) AssertFailed(file string, line int, fn, expr string) {
	panic(fmt.Sprintf("assertion (%s) failed in %s - %s:%d", expr, fn, file, line))
}

// wakeContext returns a context that is canceled tmo ticks from now on the
// port's time driver. Its cancel func also drops the pending wake.
func (p *Port) wakeContext(ctx context.Context, tmo Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := p.time.ScheduleWake(p.time.Now()+uint64(tmo), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// DefaultEventQueue returns the host's default event queue, claiming it on
// first use.
func (p *Port) DefaultEventQueue() *EventQueue {
	p.dfltOnce.Do(func() {
		p.InitEventQueue(&p.dflt)
	})
	return &p.dflt
}

// Run services q until ctx is done, running each event's handler in order.
func (p *Port) Run(ctx context.Context, q *EventQueue) error {
	p.started.Store(true)
	for {
		ev := q.Get(ctx, Forever)
		if ev == nil {
			return ctx.Err()
		}
		ev.Run()
	}
}
