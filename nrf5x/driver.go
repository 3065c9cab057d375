// Package nrf5x is the nRF52 driver half of the porting layer: it redirects the
// engine's interrupt registrations onto the RADIO, RNG and RTC0 vectors and
// provides the critical sections used by the engine and the application.
package nrf5x

import (
	"sync/atomic"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/cortexm"
)

// Interrupt lines used by the controller (nRF52840 numbering).
const (
	RADIO cortexm.IRQ = 1
	RTC0  cortexm.IRQ = 11
	RNG   cortexm.IRQ = 13
)

// ReservedIRQs are left enabled by the reserved critical section.
const ReservedIRQs uint32 = (1 << uint(RADIO)) | (1 << uint(RTC0)) | (1 << uint(RNG))

type handlerSlot struct {
	fn atomic.Pointer[func()]
}

func (s *handlerSlot) set(fn func()) {
	if fn == nil {
		s.fn.Store(nil)
		return
	}
	s.fn.Store(&fn)
}

func (s *handlerSlot) call() {
	if p := s.fn.Load(); p != nil {
		(*p)()
	}
}

// Driver owns the vector redirection table and both critical section layers.
// There is one Driver per core.
type Driver struct {
	core cortexm.Core
	nvic cortexm.NVIC
	log  nimble.Logger

	radio handlerSlot
	rng   handlerSlot
	rtc0  handlerSlot

	internal *Internal
	reserved *Reserved
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithReservedCriticalSection enables the application critical section that
// leaves the reserved interrupts running.
func WithReservedCriticalSection() DriverOption {
	return func(d *Driver) {
		d.reserved = &Reserved{internal: d.internal, nvic: d.nvic}
	}
}

// WithLogger overrides the driver logger.
func WithLogger(l nimble.Logger) DriverOption {
	return func(d *Driver) {
		d.log = l
	}
}

// New returns a driver bound to core and nvic.
func New(core cortexm.Core, nvic cortexm.NVIC, opts ...DriverOption) *Driver {
	d := &Driver{
		core:     core,
		nvic:     nvic,
		log:      nimble.PackageLogger("nrf5x"),
		internal: &Internal{core: core},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetISR registers fn as the handler for irq and enables the line. A nil fn
// clears the slot and leaves the line as it is. Lines other than RADIO, RNG
// and RTC0 are logged and ignored.
func (d *Driver) SetISR(irq int, fn func()) {
	switch cortexm.IRQ(irq) {
	case RADIO:
		d.radio.set(fn)
	case RNG:
		d.rng.set(fn)
	case RTC0:
		d.rtc0.set(fn)
	default:
		d.log.Errorf("engine attempted to set unhandled irqn: %d", irq)
		return
	}
	if fn != nil {
		d.nvic.Enable(cortexm.Bit(cortexm.IRQ(irq)))
	}
}

// Pend marks irq pending. The handler runs as soon as the core and the line
// allow it, which may be before Pend returns.
func (d *Driver) Pend(irq int) {
	d.nvic.Raise(cortexm.IRQ(irq))
}

// RADIO is the hardware entry point for the RADIO vector.
func (d *Driver) RADIO() { d.radio.call() }

// RNG is the hardware entry point for the RNG vector.
func (d *Driver) RNG() { d.rng.call() }

// RTC0 is the hardware entry point for the RTC0 vector.
func (d *Driver) RTC0() { d.rtc0.call() }

// Handler returns the entry point for irq, or nil if the line is not
// redirected by this driver.
func (d *Driver) Handler(irq cortexm.IRQ) func() {
	switch irq {
	case RADIO:
		return d.RADIO
	case RNG:
		return d.RNG
	case RTC0:
		return d.RTC0
	}
	return nil
}

// VectorTable is implemented by anything that can bind an entry point to a
// hardware vector.
type VectorTable interface {
	SetVector(irq cortexm.IRQ, fn func())
}

// Attach binds the driver entry points to vt.
func (d *Driver) Attach(vt VectorTable) {
	for _, irq := range []cortexm.IRQ{RADIO, RNG, RTC0} {
		vt.SetVector(irq, d.Handler(irq))
	}
}

// Internal returns the engine's critical section.
func (d *Driver) Internal() *Internal {
	return d.internal
}

// Reserved returns the application critical section, or nil when it was not
// enabled.
func (d *Driver) Reserved() *Reserved {
	return d.reserved
}

// EnterCritical enters the internal critical section.
func (d *Driver) EnterCritical() bool {
	return d.internal.Acquire()
}

// ExitCritical leaves the internal critical section.
func (d *Driver) ExitCritical(token bool) {
	d.internal.Release(token)
}

// InCritical reports whether the internal critical section is held.
func (d *Driver) InCritical() bool {
	return d.internal.Active()
}
