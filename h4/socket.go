package h4

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

type connWithTimeout struct {
	c       net.Conn
	timeout time.Duration
}

func (cwt *connWithTimeout) Read(b []byte) (int, error) {
	// with deadline
	cwt.c.SetReadDeadline(time.Now().Add(cwt.timeout))
	return cwt.c.Read(b)
}

func (cwt *connWithTimeout) Write(b []byte) (int, error) {
	// with deadline
	cwt.c.SetWriteDeadline(time.Now().Add(cwt.timeout))
	return cwt.c.Write(b)
}

func (cwt *connWithTimeout) Close() error {
	return cwt.c.Close()
}

func wrapConn(c net.Conn, timeout time.Duration) io.ReadWriteCloser {
	if timeout <= 0 {
		return c
	}
	return &connWithTimeout{c: c, timeout: timeout}
}

// NewSocket dials a host listening on a TCP address.
func NewSocket(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "can't dial %s", addr)
	}
	return wrapConn(c, timeout), nil
}

// Accept waits on addr for a single host connection.
func Accept(ctx context.Context, addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "can't listen on %s", addr)
	}
	defer l.Close()

	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrap(r.err, "can't accept host")
		}
		return wrapConn(r.c, timeout), nil
	case <-ctx.Done():
		l.Close()
		if r := <-ch; r.c != nil {
			r.c.Close()
		}
		return nil, ctx.Err()
	}
}
