// Package h4 carries HCI packets over a byte stream using the UART (H4)
// framing: every packet is preceded by a one byte indicator.
package h4

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/hci"
	"github.com/rigado/nimble/hci/cmd"
	"github.com/rigado/nimble/hci/evt"
)

const (
	rxChunkSize = 512
	cmdQueueLen = 8
)

// Controller is the part of controller.Controller the server drives. The
// callbacks write to the stream before the controller accepts its next
// packet, which keeps responses and events in engine order.
type Controller interface {
	ReadFunc(ctx context.Context, buf []byte, fn func(hci.Packet) error) error
	ExecuteFunc(ctx context.Context, c hci.Command, fn func(hci.Event) error) error
	WriteACLData(p hci.ACLPacket) error
	WriteISOData(p hci.ISOPacket) error
	WriteSyncData(p hci.SyncPacket) error
}

// Server exposes a Controller to a host on the other end of a byte stream.
type Server struct {
	c   Controller
	rwc io.ReadWriteCloser
	log nimble.Logger
	clk clock.Clock

	cmdTimeout time.Duration

	wmu sync.Mutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCommandTimeout bounds each command round trip. When it expires the
// host is answered with an Unspecified Error command complete.
func WithCommandTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.cmdTimeout = d
	}
}

// WithClock sets the clock used for the framing timeout.
func WithClock(clk clock.Clock) ServerOption {
	return func(s *Server) {
		s.clk = clk
	}
}

func WithLogger(l nimble.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

func NewServer(c Controller, rwc io.ReadWriteCloser, opts ...ServerOption) *Server {
	s := &Server{
		c:   c,
		rwc: rwc,
		log: nimble.PackageLogger("h4"),
		clk: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve bridges packets until ctx is done or the stream fails. The stream is
// closed on return. A cancelled ctx is a clean shutdown and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	cmds := make(chan []byte, cmdQueueLen)

	g.Go(func() error { return s.rxLoop(gctx, cmds) })
	g.Go(func() error { return s.cmdLoop(gctx, cmds) })
	g.Go(func() error { return s.upLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		// unblocks rxLoop
		if err := s.rwc.Close(); err != nil {
			s.log.Debugf("closing stream: %v", err)
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) rxLoop(ctx context.Context, cmds chan<- []byte) error {
	var handleErr error
	fr := newFrame(func(b []byte) {
		if handleErr == nil {
			handleErr = s.handle(ctx, b, cmds)
		}
	}, s.clk, cmdPacket, aclPacket, syncPacket, isoPacket)

	tmp := make([]byte, rxChunkSize)
	for {
		n, err := s.rwc.Read(tmp)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			fr.Assemble(tmp[:n])
			if handleErr != nil {
				return handleErr
			}
		}

		switch {
		case err == nil, isTimeout(err):
		case err == io.EOF:
			s.log.Info("host closed the stream")
			return io.EOF
		default:
			return errors.Wrap(err, "can't read h4")
		}
	}
}

// handle routes one host packet. Commands are queued for cmdLoop so data keeps
// flowing while a command waits for its response.
func (s *Server) handle(ctx context.Context, b []byte, cmds chan<- []byte) error {
	s.log.Debugf("rx [% X]", b)
	switch b[0] {
	case cmdPacket:
		select {
		case cmds <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case aclPacket:
		p, err := hci.ParseACL(b[1:])
		if err != nil {
			s.log.Errorf("dropping acl data: %v", err)
			return nil
		}
		if err := s.c.WriteACLData(p); err != nil {
			s.log.Errorf("acl data to controller: %v", err)
		}

	case isoPacket:
		p, err := hci.ParseISO(b[1:])
		if err != nil {
			s.log.Errorf("dropping iso data: %v", err)
			return nil
		}
		if err := s.c.WriteISOData(p); err != nil {
			s.log.Errorf("iso data to controller: %v", err)
		}

	case syncPacket:
		p, err := hci.ParseSync(b[1:])
		if err == nil {
			err = s.c.WriteSyncData(p)
		}
		if err != nil {
			s.log.Warnf("dropping sync data: %v", err)
		}
	}
	return nil
}

func (s *Server) cmdLoop(ctx context.Context, cmds <-chan []byte) error {
	for {
		var b []byte
		select {
		case b = <-cmds:
		case <-ctx.Done():
			return ctx.Err()
		}

		op := binary.LittleEndian.Uint16(b[1:])
		var sent bool
		err := s.execute(ctx, &cmd.Raw{Op: int(op), Params: b[1+hci.CmdHeaderSize:]}, func(ev hci.Event) error {
			sent = true
			return s.write(eventPacket, ev.Bytes())
		})
		if sent {
			if err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Errorf("cmd 0x%04X failed: %v", op, err)
		ev := hci.Event{
			Code:   evt.CommandCompleteCode,
			Params: []byte{1, byte(op), byte(op >> 8), byte(hci.ErrUnspecified)},
		}
		if err := s.write(eventPacket, ev.Bytes()); err != nil {
			return err
		}
	}
}

func (s *Server) execute(ctx context.Context, c hci.Command, fn func(hci.Event) error) error {
	if s.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cmdTimeout)
		defer cancel()
	}
	return s.c.ExecuteFunc(ctx, c, fn)
}

// upLoop forwards events and data the controller sends on its own.
func (s *Server) upLoop(ctx context.Context) error {
	buf := make([]byte, hci.ReadBufferSize)
	for {
		var werr error
		err := s.c.ReadFunc(ctx, buf, func(p hci.Packet) error {
			switch p := p.(type) {
			case hci.Event:
				werr = s.write(eventPacket, p.Bytes())
			case hci.ACLPacket:
				werr = s.write(aclPacket, p.Bytes())
			default:
				s.log.Warnf("no h4 framing for %v packet", p.Kind())
			}
			return werr
		})
		if werr != nil {
			return werr
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Errorf("read from controller: %v", err)
		}
	}
}

func (s *Server) write(kind byte, b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	out := make([]byte, 0, 1+len(b))
	out = append(out, kind)
	out = append(out, b...)
	s.log.Debugf("tx [% X]", out)
	if _, err := s.rwc.Write(out); err != nil {
		return errors.Wrap(err, "can't write h4")
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := errors.Cause(err).(net.Error)
	return ok && ne.Timeout()
}
