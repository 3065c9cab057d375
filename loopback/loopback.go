// Package loopback is a small link layer that runs on the porting layer. It
// answers the common host setup commands, fakes advertising reports and
// connections on callouts, and echoes ACL data back to the host.
package loopback

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/controller"
	"github.com/rigado/nimble/hci"
	"github.com/rigado/nimble/hci/cmd"
	"github.com/rigado/nimble/hci/evt"
	"github.com/rigado/nimble/mbuf"
	"github.com/rigado/nimble/npl"
)

const (
	cmdBufCount = 2
	cmdBufSize  = hci.CmdHeaderSize + 255

	aclBlockSize = 64
	aclBlockCnt  = 32

	firstHandle = 0x0040
)

var (
	opReset              = uint16((&cmd.Reset{}).OpCode())
	opSetEventMask       = uint16((&cmd.SetEventMask{}).OpCode())
	opHostBufferSize     = uint16((&cmd.HostBufferSize{}).OpCode())
	opReadLocalVersion   = uint16((&cmd.ReadLocalVersionInformation{}).OpCode())
	opReadBDADDR         = uint16((&cmd.ReadBDADDR{}).OpCode())
	opLESetEventMask     = uint16((&cmd.LESetEventMask{}).OpCode())
	opLEReadBufferSize   = uint16((&cmd.LEReadBufferSize{}).OpCode())
	opLESetAdvertiseEnbl = uint16((&cmd.LESetAdvertiseEnable{}).OpCode())
	opLESetScanEnable    = uint16((&cmd.LESetScanEnable{}).OpCode())
	opLECreateConnection = uint16((&cmd.LECreateConnection{}).OpCode())
	opDisconnect         = uint16((&cmd.Disconnect{}).OpCode())
)

// PeerAddress is the address of the one remote device the loopback link
// layer knows.
var PeerAddress = [6]byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

// Option configures an Engine.
type Option func(*Engine)

// WithAddress sets the public device address.
func WithAddress(a nimble.Addr) Option {
	return func(e *Engine) {
		e.addr = a
	}
}

// WithConnDelay sets how long LE Create Connection takes to complete.
func WithConnDelay(ticks npl.Time) Option {
	return func(e *Engine) {
		e.connDelay = ticks
	}
}

// WithScanInterval sets the period of advertising reports while scanning.
func WithScanInterval(ticks npl.Time) Option {
	return func(e *Engine) {
		e.scanInterval = ticks
	}
}

// WithPhyError makes PhyInit fail.
func WithPhyError(err error) Option {
	return func(e *Engine) {
		e.phyErr = err
	}
}

// WithLogger overrides the engine logger.
func WithLogger(l nimble.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

type inbound struct {
	cmd []byte
	acl *mbuf.Mbuf
	iso *mbuf.Mbuf
}

type outbound struct {
	event []byte
	acl   *mbuf.Mbuf
}

// Engine implements controller.Engine.
type Engine struct {
	port *npl.Port
	log  nimble.Logger
	q    *npl.EventQueue

	cmdBufs chan []byte
	pool    *mbuf.Pool

	rxEv npl.Event
	txEv npl.Event
	scan npl.Callout
	conn npl.Callout

	phyErr       error
	addr         nimble.Addr
	connDelay    npl.Time
	scanInterval npl.Time

	mu     sync.Mutex
	host   controller.HostTransport
	inbox  []inbound
	outbox []outbound

	advertising bool
	scanning    bool
	initiating  bool
	conns       map[uint16]bool
	nextHandle  uint16
}

// New returns an engine whose queue and callouts live on port.
func New(port *npl.Port, opts ...Option) *Engine {
	e := &Engine{
		port:         port,
		log:          nimble.PackageLogger("loopback"),
		cmdBufs:      make(chan []byte, cmdBufCount),
		pool:         mbuf.NewPool(aclBlockSize, aclBlockCnt),
		addr:         nimble.Addr{0x01, 0x00, 0x00, 0xa0, 0xc2, 0x94},
		connDelay:    port.MsToTicks32(50),
		scanInterval: port.MsToTicks32(100),
		conns:        map[uint16]bool{},
		nextHandle:   firstHandle,
	}
	for _, opt := range opts {
		opt(e)
	}

	for len(e.cmdBufs) < cmdBufCount {
		e.cmdBufs <- make([]byte, cmdBufSize)
	}

	e.q = port.NewEventQueue()
	e.rxEv.Init(func(*npl.Event) { e.receive() }, nil)
	e.txEv.Init(func(*npl.Event) { e.flush() }, nil)
	port.InitCallout(&e.scan, e.q, func(*npl.Event) { e.scanTick() }, nil)
	port.InitCallout(&e.conn, e.q, func(*npl.Event) { e.connected() }, nil)
	return e
}

func (e *Engine) Attach(h controller.HostTransport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.host != nil {
		return errors.Wrap(nimble.ErrBusy, "engine already has a host")
	}
	e.host = h
	if len(e.outbox) > 0 {
		e.q.Put(&e.txEv)
	}
	return nil
}

// PhyInit queues the command complete for opcode zero a controller sends
// after power up.
func (e *Engine) PhyInit() error {
	if e.phyErr != nil {
		return e.phyErr
	}
	e.log.Infof("link layer up, public address %v", e.addr)
	e.send(commandComplete(0))
	return nil
}

func (e *Engine) EventQueue() *npl.EventQueue {
	return e.q
}

func (e *Engine) AllocCmd() []byte {
	select {
	case b := <-e.cmdBufs:
		return b
	default:
		return nil
	}
}

func (e *Engine) FreeCmd(b []byte) {
	select {
	case e.cmdBufs <- b[:cap(b)]:
	default:
		e.log.Error("command buffer freed twice")
	}
}

func (e *Engine) ToLLCmd(b []byte) error {
	if len(b) < hci.CmdHeaderSize || len(b) != hci.CmdHeaderSize+int(b[2]) {
		return errors.Wrapf(nimble.ErrInvalid, "malformed cmd % X", b)
	}
	e.post(inbound{cmd: append([]byte(nil), b...)})
	return nil
}

func (e *Engine) AllocACL() *mbuf.Mbuf {
	return e.pool.Get()
}

func (e *Engine) AllocISO() *mbuf.Mbuf {
	return e.pool.Get()
}

func (e *Engine) ToLLACL(om *mbuf.Mbuf) error {
	if om.Len() < hci.ACLHeaderSize {
		return errors.Wrap(nimble.ErrInvalid, "short acl packet")
	}
	e.post(inbound{acl: om})
	return nil
}

func (e *Engine) ToLLISO(om *mbuf.Mbuf) error {
	e.post(inbound{iso: om})
	return nil
}

func (e *Engine) post(in inbound) {
	e.mu.Lock()
	e.inbox = append(e.inbox, in)
	e.mu.Unlock()
	e.q.Put(&e.rxEv)
}

// Advertising reports whether advertising is enabled.
func (e *Engine) Advertising() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advertising
}

// Scanning reports whether scanning is enabled.
func (e *Engine) Scanning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scanning
}

// Connections returns the number of open connections.
func (e *Engine) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// FreeBlocks returns the number of unused ACL blocks.
func (e *Engine) FreeBlocks() int {
	return e.pool.Available()
}

func (e *Engine) receive() {
	e.mu.Lock()
	in := e.inbox
	e.inbox = nil
	e.mu.Unlock()

	for _, p := range in {
		switch {
		case p.cmd != nil:
			e.command(p.cmd)
		case p.acl != nil:
			e.echo(p.acl)
		case p.iso != nil:
			e.log.Debugf("dropping %d bytes of iso data", p.iso.Len())
			p.iso.FreeChain()
		}
	}
	e.flush()
}

func (e *Engine) command(b []byte) {
	op := binary.LittleEndian.Uint16(b)
	params := b[hci.CmdHeaderSize:]

	e.mu.Lock()
	defer e.mu.Unlock()

	switch op {
	case opReset:
		e.reset()
		e.queue(commandComplete(op, 0))

	case opSetEventMask, opLESetEventMask, opHostBufferSize:
		e.queue(commandComplete(op, 0))

	case opReadBDADDR:
		e.queue(commandComplete(op, append([]byte{0}, e.addr[:]...)...))

	case opReadLocalVersion:
		e.queue(commandComplete(op, 0, 0x0d, 0x00, 0x00, 0x0d, 0xff, 0xff, 0x00, 0x00))

	case opLEReadBufferSize:
		e.queue(commandComplete(op, 0, hci.MaxACLDataLen, 0x00, 8))

	case opLESetAdvertiseEnbl:
		if len(params) < 1 {
			e.queue(commandComplete(op, byte(hci.ErrInvalidHCIParams)))
			return
		}
		e.advertising = params[0] == 1
		e.queue(commandComplete(op, 0))

	case opLESetScanEnable:
		if len(params) < 2 {
			e.queue(commandComplete(op, byte(hci.ErrInvalidHCIParams)))
			return
		}
		e.scanning = params[0] == 1
		if e.scanning {
			e.scan.Reset(e.scanInterval)
		} else {
			e.scan.Stop()
		}
		e.queue(commandComplete(op, 0))

	case opLECreateConnection:
		switch {
		case len(params) < 12:
			e.queue(commandStatus(op, hci.ErrInvalidHCIParams))
		case e.initiating:
			e.queue(commandStatus(op, hci.ErrDisallowed))
		default:
			e.initiating = true
			e.queue(commandStatus(op, 0))
			e.conn.Reset(e.connDelay)
		}

	case opDisconnect:
		if len(params) < 3 {
			e.queue(commandStatus(op, hci.ErrInvalidHCIParams))
			return
		}
		h := binary.LittleEndian.Uint16(params)
		if !e.conns[h] {
			e.queue(commandStatus(op, hci.ErrConnID))
			return
		}
		delete(e.conns, h)
		e.queue(commandStatus(op, 0))
		e.queue(event(evt.DisconnectionCompleteCode, 0, byte(h), byte(h>>8), byte(hci.ErrLocalHost)))

	default:
		e.log.Warnf("unknown cmd 0x%04X", op)
		e.queue(commandComplete(op, byte(hci.ErrUnknownCommand)))
	}
}

func (e *Engine) reset() {
	e.advertising = false
	e.scanning = false
	e.initiating = false
	e.scan.Stop()
	e.conn.Stop()
	e.conns = map[uint16]bool{}
	for _, o := range e.outbox {
		if o.acl != nil {
			o.acl.FreeChain()
		}
	}
	e.outbox = nil
}

func (e *Engine) echo(om *mbuf.Mbuf) {
	defer om.FreeChain()

	b := om.Bytes()
	p, err := hci.ParseACL(b)
	if err != nil {
		e.log.Errorf("dropping acl data: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conns[p.Handle] {
		e.log.Warnf("dropping acl data for unknown handle 0x%03X", p.Handle)
		return
	}

	e.queue(event(evt.NumberOfCompletedPacketsCode, 1, byte(p.Handle), byte(p.Handle>>8), 1, 0))

	out := e.pool.Get()
	if out == nil {
		e.log.Error("no acl buffer for echo")
		return
	}
	p.PB = hci.PbfControllerToHostStart
	if _, err := p.WriteTo(out); err != nil {
		e.log.Errorf("can't build echo: %v", err)
		out.FreeChain()
		return
	}
	e.outbox = append(e.outbox, outbound{acl: out})
}

func (e *Engine) scanTick() {
	e.mu.Lock()
	if e.scanning {
		e.queue(advertisingReport(PeerAddress, []byte{0x02, 0x01, 0x06}, -59))
		e.scan.Reset(e.scanInterval)
	}
	e.mu.Unlock()
	e.flush()
}

func (e *Engine) connected() {
	e.mu.Lock()
	if e.initiating {
		e.initiating = false
		h := e.nextHandle
		e.nextHandle++
		e.conns[h] = true
		e.queue(connectionComplete(h, PeerAddress))
	}
	e.mu.Unlock()
	e.flush()
}

// send queues an event from outside an event handler.
func (e *Engine) send(b []byte) {
	e.mu.Lock()
	e.queue(b)
	e.mu.Unlock()
	e.q.Put(&e.txEv)
}

func (e *Engine) queue(b []byte) {
	e.outbox = append(e.outbox, outbound{event: b})
}

// flush delivers at most one packet; the task only runs the next event once
// the host has consumed it.
func (e *Engine) flush() {
	e.mu.Lock()
	if len(e.outbox) == 0 || e.host == nil {
		e.mu.Unlock()
		return
	}
	o := e.outbox[0]
	host := e.host
	e.mu.Unlock()

	var err error
	if o.event != nil {
		err = host.ToHostEvent(o.event)
	} else {
		err = host.ToHostACL(o.acl)
	}

	e.mu.Lock()
	switch {
	case errors.Cause(err) == nimble.ErrNoMem:
		e.log.Warn("host slot busy, retrying")
	case err != nil:
		e.log.Errorf("dropping packet to host: %v", err)
		if o.acl != nil {
			o.acl.FreeChain()
		}
		e.outbox = e.outbox[1:]
	default:
		e.outbox = e.outbox[1:]
	}
	more := len(e.outbox) > 0
	e.mu.Unlock()

	if more {
		e.q.Put(&e.txEv)
	}
}

func event(code byte, params ...byte) []byte {
	return append([]byte{code, byte(len(params))}, params...)
}

func commandComplete(op uint16, rp ...byte) []byte {
	return event(evt.CommandCompleteCode, append([]byte{1, byte(op), byte(op >> 8)}, rp...)...)
}

func commandStatus(op uint16, status hci.ErrCommand) []byte {
	return event(evt.CommandStatusCode, byte(status), 1, byte(op), byte(op>>8))
}

func connectionComplete(h uint16, peer [6]byte) []byte {
	p := []byte{evt.LEConnectionCompleteSubCode, 0, byte(h), byte(h >> 8), hci.RoleMaster, 0}
	p = append(p, peer[:]...)
	p = append(p, 0x18, 0x00, 0x00, 0x00, 0x48, 0x00, 0x00)
	return event(evt.LEMetaCode, p...)
}

func advertisingReport(addr [6]byte, data []byte, rssi int8) []byte {
	p := []byte{evt.LEAdvertisingReportSubCode, 1, 0x00, 0x00}
	p = append(p, addr[:]...)
	p = append(p, byte(len(data)))
	p = append(p, data...)
	p = append(p, byte(rssi))
	return event(evt.LEMetaCode, p...)
}
