package cortexm

import "sync"

// Sim is a host-side model of a single Cortex-M core with one interrupt
// priority level. Raised interrupts run synchronously on the raising
// goroutine when the core and the line are unmasked, otherwise they pend until
// unmasked. Handlers never nest.
type Sim struct {
	mu      sync.Mutex
	primask bool
	enabled [NVICWords]uint32
	pending [NVICWords]uint32
	vectors map[IRQ]func()
	running bool
	counts  map[IRQ]int
}

// NewSim returns a core with interrupts globally enabled and every line
// disabled, like a core out of reset.
func NewSim() *Sim {
	return &Sim{
		vectors: map[IRQ]func(){},
		counts:  map[IRQ]int{},
	}
}

func (s *Sim) InterruptsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.primask
}

func (s *Sim) DisableInterrupts() {
	s.mu.Lock()
	s.primask = true
	s.mu.Unlock()
}

func (s *Sim) EnableInterrupts() {
	s.mu.Lock()
	s.primask = false
	s.mu.Unlock()
	s.dispatch()
}

func (s *Sim) Enabled(word int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[word]
}

func (s *Sim) Disable(word int, bits uint32) {
	s.mu.Lock()
	s.enabled[word] &^= bits
	s.mu.Unlock()
}

func (s *Sim) Enable(word int, bits uint32) {
	s.mu.Lock()
	s.enabled[word] |= bits
	s.mu.Unlock()
	s.dispatch()
}

// EnableIRQ enables a single line.
func (s *Sim) EnableIRQ(irq IRQ) {
	w, b := Bit(irq)
	s.Enable(w, b)
}

// SetVector installs the hardware entry point for irq.
func (s *Sim) SetVector(irq IRQ, fn func()) {
	s.mu.Lock()
	s.vectors[irq] = fn
	s.mu.Unlock()
}

// Raise marks irq pending and runs it if it can be taken now.
func (s *Sim) Raise(irq IRQ) {
	w, b := Bit(irq)
	s.mu.Lock()
	s.pending[w] |= b
	s.mu.Unlock()
	s.dispatch()
}

// Pending reports whether irq is waiting to be serviced.
func (s *Sim) Pending(irq IRQ) bool {
	w, b := Bit(irq)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[w]&b != 0
}

// Serviced returns how many times the vector for irq has been entered.
func (s *Sim) Serviced(irq IRQ) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[irq]
}

func (s *Sim) dispatch() {
	for {
		s.mu.Lock()
		if s.primask || s.running {
			s.mu.Unlock()
			return
		}

		irq, ok := s.next()
		if !ok {
			s.mu.Unlock()
			return
		}

		w, b := Bit(irq)
		s.pending[w] &^= b
		s.counts[irq]++
		fn := s.vectors[irq]
		s.running = true
		s.mu.Unlock()

		if fn != nil {
			fn()
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}
}

// next returns the lowest numbered pending and enabled line. Caller holds mu.
func (s *Sim) next() (IRQ, bool) {
	for w := 0; w < NVICWords; w++ {
		ready := s.pending[w] & s.enabled[w]
		if ready == 0 {
			continue
		}
		for i := 0; i < 32; i++ {
			if ready&(1<<uint(i)) != 0 {
				return IRQ(w*32 + i), true
			}
		}
	}
	return 0, false
}
