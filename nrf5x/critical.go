package nrf5x

import (
	"sync/atomic"

	"github.com/rigado/nimble/cortexm"
)

// Internal is the critical section used by the engine. It masks every
// interrupt. Acquire/Release calls must nest, and every Acquire result must
// be passed unchanged to the matching Release.
type Internal struct {
	core cortexm.Core
	flag atomic.Bool
}

// NewInternal returns a critical section on core. Most callers use
// Driver.Internal instead.
func NewInternal(core cortexm.Core) *Internal {
	return &Internal{core: core}
}

// Acquire masks interrupts and returns true when this call did the masking,
// i.e. it is the outermost entry.
func (cs *Internal) Acquire() bool {
	outer := cs.core.InterruptsEnabled()
	cs.core.DisableInterrupts()
	cs.flag.Store(true)
	return outer
}

// Release unmasks interrupts when outer is true.
func (cs *Internal) Release(outer bool) {
	if !outer {
		return
	}
	cs.flag.Store(false)
	cs.core.EnableInterrupts()
}

// Active reports whether the critical section is held.
func (cs *Internal) Active() bool {
	return cs.flag.Load()
}

// With runs fn inside the critical section.
func (cs *Internal) With(fn func()) {
	outer := cs.Acquire()
	defer cs.Release(outer)
	fn()
}

// Reserved is the application critical section. It disables every NVIC line
// except ReservedIRQs so the controller keeps servicing the radio while
// application code holds the lock.
type Reserved struct {
	internal *Internal
	nvic     cortexm.NVIC
	flag     atomic.Bool
	mask     [cortexm.NVICWords]uint32
}

// Acquire returns whether this call was nested inside another Reserved
// acquire. The result must be passed to Release.
//
// When the internal critical section is already held by someone else the
// mask is left alone; the outer internal section already excludes everything.
func (cs *Reserved) Acquire() bool {
	nested := cs.flag.Load()
	if nested {
		return true
	}

	inInternal := cs.internal.Active()
	cs.internal.With(func() {
		if inInternal {
			return
		}
		cs.flag.Store(true)
		for w := 0; w < cortexm.NVICWords; w++ {
			cs.mask[w] = cs.nvic.Enabled(w)
		}
		cs.nvic.Disable(0, ^ReservedIRQs)
		cs.nvic.Disable(1, 0xFFFFFFFF)
	})
	return false
}

// Release restores the saved mask when nested is false.
func (cs *Reserved) Release(nested bool) {
	if nested {
		return
	}

	inInternal := cs.internal.Active()
	cs.internal.With(func() {
		if inInternal {
			return
		}
		cs.flag.Store(false)
		cs.nvic.Enable(0, cs.mask[0]&^ReservedIRQs)
		cs.nvic.Enable(1, cs.mask[1])
	})
}

// Active reports whether the reserved critical section is held.
func (cs *Reserved) Active() bool {
	return cs.flag.Load()
}

// With runs fn inside the reserved critical section.
func (cs *Reserved) With(fn func()) {
	nested := cs.Acquire()
	defer cs.Release(nested)
	fn()
}
