package controller

import (
	"context"
	"sync"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/hci"
)

// readSlot is the single buffer packets travel through on their way to the
// host. A producer may fill it only while it is empty; the reader, or the
// command executor for command responses, empties it.
type readSlot struct {
	mu   sync.Mutex
	full bool
	kind hci.PacketKind
	n    int
	buf  [hci.ReadBufferSize]byte

	// one token per fill
	ready chan struct{}
	// closed whenever the slot is empty
	drained chan struct{}
}

func newReadSlot() *readSlot {
	s := &readSlot{
		ready:   make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
	close(s.drained)
	return s
}

// tryFill runs fill on the buffer and publishes the result. It refuses with
// ErrNoMem while the slot holds an unconsumed packet, leaving the buffer
// untouched.
func (s *readSlot) tryFill(kind hci.PacketKind, fill func(b []byte) (int, error)) error {
	s.mu.Lock()
	if s.full {
		s.mu.Unlock()
		return nimble.ErrNoMem
	}
	n, err := fill(s.buf[:])
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.full = true
	s.kind = kind
	s.n = n
	s.drained = make(chan struct{})
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return nil
}

func (s *readSlot) wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// view calls fn with the packet in the slot.
func (s *readSlot) view(fn func(kind hci.PacketKind, b []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.kind, s.buf[:s.n])
}

func (s *readSlot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		s.full = false
		close(s.drained)
	}
}

func (s *readSlot) isFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}

func (s *readSlot) waitDrained(ctx context.Context) error {
	s.mu.Lock()
	ch := s.drained
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// completion tells the command executor that a command response sits in the
// read slot. It carries no payload.
type completion struct {
	mu      sync.Mutex
	waiters int
	pending bool
	sig     chan struct{}
}

func newCompletion() *completion {
	return &completion{sig: make(chan struct{}, 1)}
}

func (c *completion) join() {
	c.mu.Lock()
	c.waiters++
	c.mu.Unlock()
}

// leave drops the registration. It reports true when a raised completion was
// left unclaimed, in which case the caller owns the slot.
func (c *completion) leave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters--
	if c.waiters > 0 || !c.pending {
		return false
	}
	c.pending = false
	select {
	case <-c.sig:
	default:
	}
	return true
}

// raise signals a waiter. It reports false when nobody waits.
func (c *completion) raise() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters == 0 {
		return false
	}
	c.pending = true
	select {
	case c.sig <- struct{}{}:
	default:
	}
	return true
}

func (c *completion) take(ctx context.Context) error {
	select {
	case <-c.sig:
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *completion) isPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
