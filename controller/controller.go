// Package controller bridges a host to an Engine running on the porting
// layer. Commands are correlated with their responses through a single read
// slot: one command is in flight at a time, and the engine's task only runs
// its next event once the host has consumed the previous packet.
//
// Execute, Exec and ExecAsync need a concurrent Read loop; command responses
// surface through Read before they can complete the command.
package controller

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/hci"
	"github.com/rigado/nimble/hci/cmd"
	"github.com/rigado/nimble/mbuf"
)

const defaultFlushBudget = 8

// ErrUnsupported is returned for synchronous (SCO) data.
var ErrUnsupported = errors.New("sync data not supported")

// DefaultPatches zero the synchronous data fields of Host Buffer Size, which
// the link layer rejects.
func DefaultPatches() []nimble.CommandPatch {
	return []nimble.CommandPatch{
		{OpCode: uint16((&cmd.HostBufferSize{}).OpCode()), Offsets: []int{5, 8}},
	}
}

// Controller is the host facing side of the transport.
type Controller struct {
	engine Engine
	log    nimble.Logger

	cmdLock *semaphore.Weighted
	slot    *readSlot
	done    *completion

	patches      map[uint16][]int
	flushBudget  int
	errorHandler func(error)

	running atomic.Bool
	stats   stats
}

// New attaches a controller to e.
func New(e Engine, opts ...nimble.Option) (*Controller, error) {
	c := &Controller{
		engine:      e,
		log:         nimble.PackageLogger("controller"),
		cmdLock:     semaphore.NewWeighted(1),
		slot:        newReadSlot(),
		done:        newCompletion(),
		flushBudget: defaultFlushBudget,
	}
	if err := c.SetCommandPatches(DefaultPatches()); err != nil {
		return nil, err
	}
	if err := c.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}
	if err := e.Attach(c); err != nil {
		return nil, errors.Wrap(err, "can't attach to engine")
	}
	return c, nil
}

// MustNew is New that panics when the engine already has a host.
func MustNew(e Engine, opts ...nimble.Option) *Controller {
	c, err := New(e, opts...)
	if err != nil {
		panic(fmt.Sprintf("attempted to create more than one controller: %v", err))
	}
	return c
}

// Option sets the options specified.
func (c *Controller) Option(opts ...nimble.Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) SetErrorHandler(handler func(error)) error {
	c.errorHandler = handler
	return nil
}

// SetCommandPatches replaces the patch table.
func (c *Controller) SetCommandPatches(patches []nimble.CommandPatch) error {
	m := make(map[uint16][]int, len(patches))
	for _, p := range patches {
		for _, off := range p.Offsets {
			if off < hci.CmdHeaderSize {
				return errors.Errorf("patch for 0x%04X touches the header at %d", p.OpCode, off)
			}
		}
		m[p.OpCode] = append(m[p.OpCode], p.Offsets...)
	}
	c.patches = m
	return nil
}

func (c *Controller) SetFlushBudget(n int) error {
	if n < 0 {
		return errors.Errorf("invalid flush budget %d", n)
	}
	c.flushBudget = n
	return nil
}

func (c *Controller) SetLogger(l nimble.Logger) error {
	if l == nil {
		return errors.New("nil logger")
	}
	c.log = l
	return nil
}

func (c *Controller) dispatchError(err error) {
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}

func (c *Controller) patch(b []byte) {
	op, err := hci.CommandOpCode(b)
	if err != nil {
		return
	}
	for _, off := range c.patches[op] {
		if off < len(b) {
			b[off] = 0
		}
	}
}

// Execute submits cmd and waits for the command complete or command status
// event answering it. Responses to other opcodes are logged and dropped.
func (c *Controller) Execute(ctx context.Context, cm hci.Command) (hci.Event, error) {
	var ev hci.Event
	err := c.ExecuteFunc(ctx, cm, func(e hci.Event) error {
		ev = e
		return nil
	})
	return ev, err
}

// ExecuteFunc is Execute with the response handed to fn while it still
// occupies the read slot. The engine cannot deliver its next packet until fn
// returns, so whatever fn forwards reaches the host first. fn's error is
// returned as is.
func (c *Controller) ExecuteFunc(ctx context.Context, cm hci.Command, fn func(hci.Event) error) error {
	if err := c.cmdLock.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "can't acquire command lock")
	}
	defer c.cmdLock.Release(1)

	b := c.engine.AllocCmd()
	if b == nil {
		return nimble.ErrNoMem
	}

	n, err := hci.WriteCommand(cm, b)
	if err != nil {
		c.log.Errorf("failed to convert cmd 0x%04X into raw bytes: %v", cm.OpCode(), err)
		c.engine.FreeCmd(b)
		return errors.Wrap(nimble.ErrNoMem, err.Error())
	}
	c.patch(b[:n])
	c.log.Debugf("sending cmd: % X", b[:n])

	c.done.join()
	defer func() {
		if c.done.leave() {
			c.slot.release()
		}
	}()

	if err := c.engine.ToLLCmd(b[:n]); err != nil {
		c.log.Errorf("failed to queue cmd 0x%04X, dropping it: %v", cm.OpCode(), err)
		c.engine.FreeCmd(b)
		return errors.Wrap(nimble.ErrInvalid, err.Error())
	}
	c.stats.commands.Add(1)

	for {
		if err := c.done.take(ctx); err != nil {
			c.engine.FreeCmd(b)
			return errors.Wrapf(err, "no response to cmd 0x%04X", cm.OpCode())
		}

		ev, op, err := c.response()
		if err != nil {
			c.slot.release()
			c.log.Errorf("unexpected error when parsing cmd 0x%04X response: %v", cm.OpCode(), err)
			c.engine.FreeCmd(b)
			return errors.Wrap(hci.ErrInvalidHCIParams, err.Error())
		}
		if op != uint16(cm.OpCode()) {
			c.slot.release()
			c.log.Warnf("received response for unrelated command 0x%04X while waiting for 0x%04X", op, cm.OpCode())
			c.stats.mismatched.Add(1)
			continue
		}

		c.engine.FreeCmd(b)
		c.log.Debugf("response to cmd 0x%04X: % X", cm.OpCode(), ev.Params)
		err = fn(ev)
		c.slot.release()
		return err
	}
}

// response copies the command response out of the read slot.
func (c *Controller) response() (hci.Event, uint16, error) {
	var ev hci.Event
	var op uint16
	var err error
	c.slot.view(func(kind hci.PacketKind, b []byte) {
		if kind != hci.PacketKindEvent {
			err = errors.Errorf("%v packet in place of a command response", kind)
			return
		}
		var e hci.Event
		if e, err = hci.ParseEvent(b); err != nil {
			return
		}
		if op, err = e.ResponseOpCode(); err != nil {
			return
		}
		ev = hci.Event{Code: e.Code, Params: append([]byte(nil), e.Params...)}
	})
	return ev, op, err
}

// Exec runs a command that completes with Command Complete and unmarshals its
// return parameters into rp. A non-zero status is returned as hci.ErrCommand.
func (c *Controller) Exec(ctx context.Context, cm hci.Command, rp hci.CommandRP) error {
	ev, err := c.Execute(ctx, cm)
	if err != nil {
		return err
	}
	cc, ok := ev.CommandComplete()
	if !ok {
		c.log.Errorf("unexpected response 0x%02X to sync cmd 0x%04X", ev.Code, cm.OpCode())
		return errors.Wrapf(nimble.ErrInvalidParam, "event 0x%02X is not command complete", ev.Code)
	}

	b := cc.ReturnParameters()
	if len(b) > 0 && b[0] != 0x00 {
		return hci.ErrCommand(b[0])
	}
	if rp != nil {
		return rp.Unmarshal(b)
	}
	return nil
}

// ExecAsync runs a command that the controller acknowledges with Command
// Status.
func (c *Controller) ExecAsync(ctx context.Context, cm hci.Command) error {
	ev, err := c.Execute(ctx, cm)
	if err != nil {
		return err
	}
	cs, ok := ev.CommandStatus()
	if !ok {
		c.log.Errorf("unexpected response 0x%02X to async cmd 0x%04X", ev.Code, cm.OpCode())
		return errors.Wrapf(nimble.ErrInvalidParam, "event 0x%02X is not command status", ev.Code)
	}
	if st := cs.Status(); st != 0x00 {
		return hci.ErrCommand(st)
	}
	return nil
}

// Read waits for the next packet from the engine and parses it into buf.
// Command responses are routed to the command in flight and never returned.
func (c *Controller) Read(ctx context.Context, buf []byte) (hci.Packet, error) {
	var pkt hci.Packet
	err := c.ReadFunc(ctx, buf, func(p hci.Packet) error {
		pkt = p
		return nil
	})
	return pkt, err
}

// ReadFunc is Read with the packet handed to fn before the read slot is
// released, so fn finishes before the engine can deliver anything else. The
// packet aliases buf. fn's error is returned as is.
func (c *Controller) ReadFunc(ctx context.Context, buf []byte, fn func(hci.Packet) error) error {
	for {
		if err := c.slot.wait(ctx); err != nil {
			return err
		}

		var kind hci.PacketKind
		var n int
		var resp, short bool
		c.slot.view(func(k hci.PacketKind, b []byte) {
			kind = k
			if k == hci.PacketKindEvent {
				if e, err := hci.ParseEvent(b); err == nil && e.IsCommandResponse() {
					resp = true
					return
				}
			}
			if len(buf) < len(b) {
				short = true
				return
			}
			n = copy(buf, b)
		})

		// the executor reads responses straight from the slot, whatever
		// the size of buf
		if resp {
			if !c.done.raise() {
				c.log.Debug("dropping unsolicited command response")
				c.stats.unsolicited.Add(1)
				c.slot.release()
			}
			continue
		}

		if short {
			c.slot.release()
			err := errors.Errorf("buffer too small for %v packet", kind)
			c.dispatchError(err)
			return err
		}

		pkt, err := hci.ParsePacket(kind, buf[:n])
		if err != nil {
			c.slot.release()
			c.log.Errorf("error reading packet from controller: %v", err)
			err = errors.Wrap(nimble.ErrInvalid, err.Error())
			c.dispatchError(err)
			return err
		}

		err = fn(pkt)
		c.slot.release()
		return err
	}
}

// WriteACLData hands one ACL packet to the engine.
func (c *Controller) WriteACLData(p hci.ACLPacket) error {
	om := c.engine.AllocACL()
	if om == nil {
		c.log.Error("could not allocate space for an acl packet to send to controller")
		return nimble.ErrNoMem
	}
	if _, err := p.WriteTo(om); err != nil {
		om.FreeChain()
		return errors.Wrap(err, "can't serialize acl packet")
	}
	if err := c.engine.ToLLACL(om); err != nil {
		om.FreeChain()
		c.log.Errorf("controller did not handle acl data: handle 0x%03X: %v", p.Handle, err)
		return errors.Wrap(err, "can't send acl packet")
	}
	c.stats.aclToController.Add(1)
	return nil
}

// WriteISOData hands one ISO packet to the engine.
func (c *Controller) WriteISOData(p hci.ISOPacket) error {
	om := c.engine.AllocISO()
	if om == nil {
		c.log.Error("could not allocate space for an iso packet to send to controller")
		return nimble.ErrNoMem
	}
	if _, err := p.WriteTo(om); err != nil {
		om.FreeChain()
		return errors.Wrap(err, "can't serialize iso packet")
	}
	if err := c.engine.ToLLISO(om); err != nil {
		om.FreeChain()
		c.log.Errorf("controller did not handle iso data: handle 0x%03X: %v", p.Handle, err)
		return errors.Wrap(err, "can't send iso packet")
	}
	c.stats.isoToController.Add(1)
	return nil
}

// WriteSyncData is not supported by the link layer.
func (c *Controller) WriteSyncData(p hci.SyncPacket) error {
	return ErrUnsupported
}

// ToHostEvent implements HostTransport. Command complete events for opcode
// zero only report free command slots and are dropped.
func (c *Controller) ToHostEvent(ev []byte) error {
	e, err := hci.ParseEvent(ev)
	if err != nil {
		c.log.Errorf("invalid event to host: %v", err)
		return errors.Wrap(nimble.ErrInvalid, err.Error())
	}
	if cc, ok := e.CommandComplete(); ok {
		if op, err := cc.CommandOpcodeWErr(); err == nil && op == 0 {
			c.stats.suppressed.Add(1)
			return nil
		}
	}

	err = c.slot.tryFill(hci.PacketKindEvent, func(b []byte) (int, error) {
		return copy(b, ev[:e.Len()]), nil
	})
	if err != nil {
		c.log.Error("event to host being overwritten, this should not happen")
		c.stats.rejected.Add(1)
		return err
	}
	c.stats.eventsToHost.Add(1)
	return nil
}

// ToHostACL implements HostTransport. om is freed only when the packet was
// accepted.
func (c *Controller) ToHostACL(om *mbuf.Mbuf) error {
	err := c.slot.tryFill(hci.PacketKindACLData, func(b []byte) (int, error) {
		n := om.Len()
		if n > len(b) {
			return 0, errors.Wrapf(nimble.ErrInvalid, "acl packet of %d bytes", n)
		}
		if err := om.CopyData(0, b[:n]); err != nil {
			return 0, errors.Wrap(nimble.ErrInvalid, err.Error())
		}
		if _, err := hci.ParseACL(b[:n]); err != nil {
			return 0, errors.Wrap(nimble.ErrInvalid, err.Error())
		}
		return n, nil
	})
	switch {
	case errors.Cause(err) == nimble.ErrNoMem:
		c.log.Error("acl to host being overwritten, this should not happen")
		c.stats.rejected.Add(1)
		return err
	case err != nil:
		c.log.Errorf("could not parse acl packet to send to host, dropping packet: %v", err)
		return err
	}

	om.FreeChain()
	c.stats.aclToHost.Add(1)
	return nil
}
