package npl

import (
	"context"
	"math"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rigado/nimble"
)

// Mutex is a non recursive lock with timed acquisition.
type Mutex struct {
	port   *Port
	sem    *semaphore.Weighted
	locked atomic.Bool
}

// InitMutex prepares m for use.
func (p *Port) InitMutex(m *Mutex) error {
	if m == nil {
		return nimble.ErrInvalidParam
	}
	m.port = p
	m.sem = semaphore.NewWeighted(1)
	m.locked.Store(false)
	return nil
}

// Pend acquires the mutex, waiting at most tmo ticks. It fails with
// ErrTimeout when the wait runs out or ctx is done.
func (m *Mutex) Pend(ctx context.Context, tmo Time) error {
	if m == nil || m.sem == nil {
		return nimble.ErrInvalidParam
	}

	switch tmo {
	case 0:
		if !m.sem.TryAcquire(1) {
			return nimble.ErrTimeout
		}
	default:
		if tmo != Forever {
			var cancel context.CancelFunc
			ctx, cancel = m.port.wakeContext(ctx, tmo)
			defer cancel()
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nimble.ErrTimeout
		}
	}
	m.locked.Store(true)
	return nil
}

// Release unlocks the mutex. Releasing an unlocked mutex fails with
// ErrBadMutex.
func (m *Mutex) Release() error {
	if m == nil || m.sem == nil {
		return nimble.ErrInvalidParam
	}
	if !m.locked.CompareAndSwap(true, false) {
		return nimble.ErrBadMutex
	}
	m.sem.Release(1)
	return nil
}

// Sem is a counting semaphore.
type Sem struct {
	port   *Port
	tokens chan struct{}
}

// InitSem prepares s holding n tokens.
func (p *Port) InitSem(s *Sem, n uint16) error {
	if s == nil {
		return nimble.ErrInvalidParam
	}
	s.port = p
	s.tokens = make(chan struct{}, math.MaxUint16)
	for i := uint16(0); i < n; i++ {
		s.tokens <- struct{}{}
	}
	return nil
}

// Pend takes a token, waiting at most tmo ticks.
func (s *Sem) Pend(ctx context.Context, tmo Time) error {
	if s == nil || s.tokens == nil {
		return nimble.ErrInvalidParam
	}

	switch tmo {
	case 0:
		select {
		case <-s.tokens:
			return nil
		default:
			return nimble.ErrTimeout
		}
	case Forever:
	default:
		var cancel context.CancelFunc
		ctx, cancel = s.port.wakeContext(ctx, tmo)
		defer cancel()
	}

	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return nimble.ErrTimeout
	}
}

// Release returns a token.
func (s *Sem) Release() error {
	if s == nil || s.tokens == nil {
		return nimble.ErrInvalidParam
	}
	select {
	case s.tokens <- struct{}{}:
		return nil
	default:
		return nimble.ErrInvalid
	}
}

// Count returns the tokens currently available.
func (s *Sem) Count() uint16 {
	return uint16(len(s.tokens))
}
