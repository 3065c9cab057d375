// Package mbuf provides chained packet buffers drawn from a bounded pool of
// fixed size blocks, the buffer type the engine moves ACL and ISO data in.
package mbuf

import (
	"io"

	"github.com/rigado/nimble"
)

// Pool hands out fixed size blocks. Get never blocks; an empty pool is an
// allocation failure.
type Pool struct {
	size int
	cnt  int
	ch   chan []byte
}

// NewPool preallocates cnt blocks of sz bytes.
func NewPool(sz int, cnt int) *Pool {
	ch := make(chan []byte, cnt)
	for len(ch) < cnt {
		ch <- make([]byte, sz)
	}
	return &Pool{size: sz, cnt: cnt, ch: ch}
}

// Get returns an empty chain, or nil when no block is free.
func (p *Pool) Get() *Mbuf {
	b := p.block()
	if b == nil {
		return nil
	}
	return &Mbuf{pool: p, segs: []segment{{buf: b}}}
}

func (p *Pool) block() []byte {
	select {
	case b := <-p.ch:
		return b
	default:
		return nil
	}
}

func (p *Pool) put(b []byte) {
	select {
	case p.ch <- b:
	default:
		panic("mbuf: block returned to a full pool")
	}
}

// Available returns the number of free blocks.
func (p *Pool) Available() int {
	return len(p.ch)
}

// BlockSize returns the size of one block.
func (p *Pool) BlockSize() int {
	return p.size
}

type segment struct {
	buf      []byte
	off, end int
}

func (s *segment) data() []byte {
	return s.buf[s.off:s.end]
}

// Mbuf is a chain of pool blocks holding one packet. It implements
// io.Reader (consuming from the front) and io.Writer (appending).
type Mbuf struct {
	pool *Pool
	segs []segment
}

// Len returns the packet length across the chain.
func (m *Mbuf) Len() int {
	n := 0
	for i := range m.segs {
		n += m.segs[i].end - m.segs[i].off
	}
	return n
}

// Append copies b to the end of the chain, taking new blocks as needed. It
// fails with ErrNoMem when the pool runs dry; bytes copied before that stay.
func (m *Mbuf) Append(b []byte) error {
	for len(b) > 0 {
		if len(m.segs) == 0 || m.segs[len(m.segs)-1].end == len(m.segs[len(m.segs)-1].buf) {
			blk := m.pool.block()
			if blk == nil {
				return nimble.ErrNoMem
			}
			m.segs = append(m.segs, segment{buf: blk})
		}
		tail := &m.segs[len(m.segs)-1]
		n := copy(tail.buf[tail.end:], b)
		tail.end += n
		b = b[n:]
	}
	return nil
}

// CopyData copies len(dst) bytes starting at off into dst without consuming
// them. It fails with ErrNoMem when the chain is too short.
func (m *Mbuf) CopyData(off int, dst []byte) error {
	if off < 0 || off+len(dst) > m.Len() {
		return nimble.ErrNoMem
	}
	for i := range m.segs {
		d := m.segs[i].data()
		if off >= len(d) {
			off -= len(d)
			continue
		}
		n := copy(dst, d[off:])
		dst = dst[n:]
		off = 0
		if len(dst) == 0 {
			break
		}
	}
	return nil
}

// Adj trims n bytes from the front, or -n bytes from the back when n is
// negative.
func (m *Mbuf) Adj(n int) {
	if n >= 0 {
		for i := range m.segs {
			s := &m.segs[i]
			k := s.end - s.off
			if k > n {
				k = n
			}
			s.off += k
			n -= k
			if n == 0 {
				return
			}
		}
		return
	}

	n = -n
	for i := len(m.segs) - 1; i >= 0 && n > 0; i-- {
		s := &m.segs[i]
		k := s.end - s.off
		if k > n {
			k = n
		}
		s.end -= k
		n -= k
	}
}

// Bytes returns a flat copy of the packet.
func (m *Mbuf) Bytes() []byte {
	b := make([]byte, 0, m.Len())
	for i := range m.segs {
		b = append(b, m.segs[i].data()...)
	}
	return b
}

// FreeChain returns every block to the pool. The chain is empty afterwards
// and freeing it again does nothing.
func (m *Mbuf) FreeChain() {
	for i := range m.segs {
		m.pool.put(m.segs[i].buf)
	}
	m.segs = nil
}

// Read consumes up to len(p) bytes from the front of the chain.
func (m *Mbuf) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := m.Len()
	if n == 0 {
		return 0, io.EOF
	}
	if n > len(p) {
		n = len(p)
	}
	if err := m.CopyData(0, p[:n]); err != nil {
		return 0, err
	}
	m.Adj(n)
	return n, nil
}

// Write appends p. On ErrNoMem it reports how much of p made it into the
// chain.
func (m *Mbuf) Write(p []byte) (int, error) {
	before := m.Len()
	err := m.Append(p)
	return m.Len() - before, err
}
