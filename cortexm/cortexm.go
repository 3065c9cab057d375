// Package cortexm describes the pieces of a Cortex-M core the porting layer
// touches: the global interrupt mask (PRIMASK) and the NVIC per-line enable
// and pend registers.
package cortexm

// IRQ is an external interrupt line number as understood by the NVIC.
type IRQ int

// Core controls the global interrupt mask.
type Core interface {
	// InterruptsEnabled reports whether PRIMASK is clear.
	InterruptsEnabled() bool
	// DisableInterrupts sets PRIMASK (cpsid i).
	DisableInterrupts()
	// EnableInterrupts clears PRIMASK (cpsie i).
	EnableInterrupts()
}

// NVICWords is the number of 32-bit enable words used by the port.
const NVICWords = 2

// NVIC exposes the per-line enable registers.
type NVIC interface {
	// Enabled reads ICER[word], which returns the enabled lines.
	Enabled(word int) uint32
	// Disable writes ICER[word]; set bits are disabled.
	Disable(word int, bits uint32)
	// Enable writes ISER[word]; set bits are enabled.
	Enable(word int, bits uint32)
	// Raise writes ISPR for irq, marking it pending.
	Raise(irq IRQ)
}

// Bit returns the word index and mask of irq inside the enable registers.
func Bit(irq IRQ) (int, uint32) {
	return int(irq) / 32, 1 << (uint(irq) % 32)
}
