package cortexm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimPendsWhileMasked(t *testing.T) {
	s := NewSim()
	var order []IRQ
	s.SetVector(3, func() { order = append(order, 3) })
	s.SetVector(40, func() { order = append(order, 40) })
	s.EnableIRQ(3)

	s.DisableInterrupts()
	s.Raise(40)
	s.Raise(3)
	assert.Empty(t, order)

	s.EnableInterrupts()
	assert.Equal(t, []IRQ{3}, order)
	assert.True(t, s.Pending(40), "disabled line must stay pending")

	s.EnableIRQ(40)
	assert.Equal(t, []IRQ{3, 40}, order)
}

func TestSimHandlersDoNotNest(t *testing.T) {
	s := NewSim()
	s.EnableIRQ(1)
	s.EnableIRQ(2)

	var depth, maxDepth int
	enter := func() {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	s.SetVector(1, func() {
		enter()
		s.Raise(2)
		depth--
	})
	s.SetVector(2, func() {
		enter()
		depth--
	})

	s.Raise(1)
	assert.Equal(t, 1, maxDepth)
	assert.Equal(t, 1, s.Serviced(2))
}

func TestBit(t *testing.T) {
	w, b := Bit(33)
	assert.Equal(t, 1, w)
	assert.Equal(t, uint32(2), b)
}
