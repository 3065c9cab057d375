package h4

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnWithTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := wrapConn(a, 10*time.Millisecond)
	defer c.Close()

	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, isTimeout(err))

	go b.Write([]byte{0x01})
	n, err := c.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWrapConnNoTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.Equal(t, a, wrapConn(a, 0))
}

func TestAcceptCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Accept(ctx, "127.0.0.1:0", time.Second)
	assert.Error(t, err)
}

func TestAcceptAndDial(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		c, err := Accept(ctx, addr, time.Second)
		if err == nil {
			_, err = c.Write([]byte{0x04, 0x10, 0x01, 0x07})
			c.Close()
		}
		accepted <- err
	}()

	var c io.ReadWriteCloser
	require.Eventually(t, func() bool {
		c, err = NewSocket(addr, time.Second)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer c.Close()

	b := make([]byte, 4)
	_, err = io.ReadFull(c, b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x10, 0x01, 0x07}, b)
	require.NoError(t, <-accepted)
}
