package controller

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/hci"
	"github.com/rigado/nimble/hci/cmd"
	"github.com/rigado/nimble/hci/evt"
	"github.com/rigado/nimble/mbuf"
	"github.com/rigado/nimble/npl"
)

// scriptedEngine answers each command with the events its script returns,
// delivering one per task event like a real link layer.
type scriptedEngine struct {
	q    *npl.EventQueue
	bufs chan []byte
	pool *mbuf.Pool
	tx   npl.Event

	script  func(b []byte) [][]byte
	toLLErr error
	phyErr  error

	mu       sync.Mutex
	host     HostTransport
	outbox   [][]byte
	cmds     [][]byte
	acl      []*mbuf.Mbuf
	rejected int
}

func newScriptedEngine(port *npl.Port, nbufs int) *scriptedEngine {
	e := &scriptedEngine{
		q:    port.NewEventQueue(),
		bufs: make(chan []byte, nbufs),
		pool: mbuf.NewPool(32, 8),
	}
	for i := 0; i < nbufs; i++ {
		e.bufs <- make([]byte, 64)
	}
	e.tx.Init(func(*npl.Event) { e.deliver() }, nil)
	return e
}

func (e *scriptedEngine) Attach(h HostTransport) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.host != nil {
		return nimble.ErrBusy
	}
	e.host = h
	return nil
}

func (e *scriptedEngine) PhyInit() error              { return e.phyErr }
func (e *scriptedEngine) EventQueue() *npl.EventQueue { return e.q }
func (e *scriptedEngine) AllocACL() *mbuf.Mbuf        { return e.pool.Get() }
func (e *scriptedEngine) AllocISO() *mbuf.Mbuf        { return e.pool.Get() }

func (e *scriptedEngine) AllocCmd() []byte {
	select {
	case b := <-e.bufs:
		return b
	default:
		return nil
	}
}

func (e *scriptedEngine) FreeCmd(b []byte) {
	e.bufs <- b
}

func (e *scriptedEngine) ToLLCmd(b []byte) error {
	if e.toLLErr != nil {
		return e.toLLErr
	}
	c := append([]byte(nil), b...)
	e.mu.Lock()
	e.cmds = append(e.cmds, c)
	if e.script != nil {
		e.outbox = append(e.outbox, e.script(c)...)
	}
	e.mu.Unlock()
	e.q.Put(&e.tx)
	return nil
}

func (e *scriptedEngine) ToLLACL(om *mbuf.Mbuf) error {
	if e.toLLErr != nil {
		return e.toLLErr
	}
	e.mu.Lock()
	e.acl = append(e.acl, om)
	e.mu.Unlock()
	return nil
}

func (e *scriptedEngine) ToLLISO(om *mbuf.Mbuf) error {
	return e.ToLLACL(om)
}

func (e *scriptedEngine) deliver() {
	e.mu.Lock()
	if len(e.outbox) == 0 {
		e.mu.Unlock()
		return
	}
	b := e.outbox[0]
	e.outbox = e.outbox[1:]
	more := len(e.outbox) > 0
	host := e.host
	e.mu.Unlock()

	if err := host.ToHostEvent(b); err != nil {
		e.mu.Lock()
		e.rejected++
		e.mu.Unlock()
	}
	if more {
		e.q.Put(&e.tx)
	}
}

func (e *scriptedEngine) lastCmd() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cmds) == 0 {
		return nil
	}
	return e.cmds[len(e.cmds)-1]
}

func newTestPort() *npl.Port {
	return npl.NewPort(
		npl.WithPool(&npl.Pool{}),
		npl.WithTimeDriver(npl.NewClockDriver(clock.NewMock(), 1000)),
	)
}

func cc(op uint16, rp ...byte) []byte {
	p := append([]byte{1, byte(op), byte(op >> 8)}, rp...)
	return append([]byte{evt.CommandCompleteCode, byte(len(p))}, p...)
}

func cs(op uint16, status byte) []byte {
	return []byte{evt.CommandStatusCode, 4, status, 1, byte(op), byte(op >> 8)}
}

func opOf(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// startBridge runs the task and a read loop; packets that reach the host are
// sent on the returned channel.
func startBridge(t *testing.T, e *scriptedEngine, opts ...nimble.Option) (*Controller, <-chan hci.Packet) {
	t.Helper()
	c, err := New(e, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go c.Task().Run(ctx)

	out := make(chan hci.Packet, 16)
	go func() {
		buf := make([]byte, hci.ReadBufferSize)
		for {
			p, err := c.Read(ctx, buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			// buf is reused
			if ev, ok := p.(hci.Event); ok {
				p = hci.Event{Code: ev.Code, Params: append([]byte(nil), ev.Params...)}
			}
			out <- p
		}
	}()
	return c, out
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExec(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(opOf(b), 0, 6, 5, 4, 3, 2, 1)}
	}
	c, _ := startBridge(t, e)

	var rp cmd.ReadBDADDRRP
	require.NoError(t, c.Exec(testCtx(t), &cmd.ReadBDADDR{}, &rp))
	assert.Equal(t, [6]byte{6, 5, 4, 3, 2, 1}, rp.BDADDR)
	assert.Len(t, e.bufs, 1, "command buffer not freed")
	assert.Equal(t, uint64(1), c.Stats().Commands)
}

func TestExecuteSkipsUnrelatedResponse(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(0x1234, 0), cc(opOf(b), 0)}
	}
	c, _ := startBridge(t, e)

	ev, err := c.Execute(testCtx(t), &cmd.Reset{})
	require.NoError(t, err)
	op, err := ev.ResponseOpCode()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0c03), op)
	assert.Equal(t, uint64(1), c.Stats().Mismatched)
}

func TestExecuteFuncRunsBeforeNextPacket(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cs(opOf(b), 0), {evt.DisconnectionCompleteCode, 4, 0, 0x40, 0x00, 0x16}}
	}
	c, out := startBridge(t, e)

	err := c.ExecuteFunc(testCtx(t), &cmd.Disconnect{ConnectionHandle: 0x40, Reason: 0x13}, func(ev hci.Event) error {
		assert.Equal(t, uint8(evt.CommandStatusCode), ev.Code)
		assert.True(t, c.slot.isFull())
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, out, "engine delivered while the response was being forwarded")
		return nil
	})
	require.NoError(t, err)

	select {
	case p := <-out:
		ev, ok := p.(hci.Event)
		require.True(t, ok)
		assert.Equal(t, uint8(evt.DisconnectionCompleteCode), ev.Code)
	case <-time.After(time.Second):
		t.Fatal("disconnection complete never delivered")
	}
}

func TestExecuteFuncError(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(opOf(b), 0)}
	}
	c, _ := startBridge(t, e)

	boom := errors.New("host gone")
	err := c.ExecuteFunc(testCtx(t), &cmd.Reset{}, func(hci.Event) error { return boom })
	assert.Equal(t, boom, err)
	assert.False(t, c.slot.isFull())
	assert.Len(t, e.bufs, 1)
}

func TestExecuteWithSmallReadBuffer(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(opOf(b), 0, 6, 5, 4, 3, 2, 1)}
	}
	c, err := New(e)
	require.NoError(t, err)

	ctx := testCtx(t)
	go c.Task().Run(ctx)
	go func() {
		buf := make([]byte, 2)
		for ctx.Err() == nil {
			c.Read(ctx, buf)
		}
	}()

	var rp cmd.ReadBDADDRRP
	require.NoError(t, c.Exec(ctx, &cmd.ReadBDADDR{}, &rp))
	assert.Equal(t, [6]byte{6, 5, 4, 3, 2, 1}, rp.BDADDR)
}

func TestExecCommandError(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(opOf(b), byte(hci.ErrDisallowed))}
	}
	c, _ := startBridge(t, e)

	err := c.Exec(testCtx(t), &cmd.LESetAdvertiseEnable{AdvertisingEnable: 1}, nil)
	assert.Equal(t, hci.ErrDisallowed, err)
}

func TestExecAsync(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	status := byte(0)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cs(opOf(b), status)}
	}
	c, _ := startBridge(t, e)
	ctx := testCtx(t)

	require.NoError(t, c.ExecAsync(ctx, &cmd.Disconnect{ConnectionHandle: 0x40, Reason: 0x13}))
	assert.Equal(t, []byte{0x06, 0x04, 3, 0x40, 0x00, 0x13}, e.lastCmd())

	status = byte(hci.ErrConnID)
	assert.Equal(t, hci.ErrConnID, c.ExecAsync(ctx, &cmd.Disconnect{ConnectionHandle: 0x41}))

	// a sync exec answered with command status
	err := c.Exec(ctx, &cmd.Disconnect{}, nil)
	assert.Equal(t, nimble.ErrInvalidParam, errors.Cause(err))

	status = 0
	err = c.ExecAsync(ctx, &cmd.Raw{Op: 0x0406, Params: []byte{0x40, 0, 0x13}})
	require.NoError(t, err)
}

func TestHostBufferSizePatch(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(opOf(b), 0)}
	}
	c, _ := startBridge(t, e)

	require.NoError(t, c.Exec(testCtx(t), &cmd.HostBufferSize{
		HostACLDataPacketLength:            0x00fb,
		HostSynchronousDataPacketLength:    0x40,
		HostTotalNumACLDataPackets:         0x0010,
		HostTotalNumSynchronousDataPackets: 0x0203,
	}, nil))
	assert.Equal(t, []byte{0x33, 0x0c, 7, 0xfb, 0x00, 0x00, 0x10, 0x00, 0x00, 0x02}, e.lastCmd())
}

func TestCommandPatchesOption(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.script = func(b []byte) [][]byte {
		return [][]byte{cc(opOf(b), 0)}
	}
	c, _ := startBridge(t, e, nimble.OptCommandPatches(nimble.CommandPatch{OpCode: 0x0c01, Offsets: []int{3, 10}}))

	require.NoError(t, c.Exec(testCtx(t), &cmd.SetEventMask{EventMask: 0x3dbff807fffbffff}, nil))
	assert.Equal(t, []byte{0x01, 0x0c, 8, 0x00, 0xff, 0xfb, 0xff, 0x07, 0xf8, 0xbf, 0x00}, e.lastCmd())

	assert.Error(t, c.SetCommandPatches([]nimble.CommandPatch{{OpCode: 1, Offsets: []int{2}}}))
}

func TestExecuteNoCommandBuffer(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 0)
	c, err := New(e)
	require.NoError(t, err)

	_, err = c.Execute(testCtx(t), &cmd.Reset{})
	assert.Equal(t, nimble.ErrNoMem, err)
}

func TestExecuteEngineRejects(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.toLLErr = errors.New("queue full")
	c, err := New(e)
	require.NoError(t, err)

	_, err = c.Execute(testCtx(t), &cmd.Reset{})
	assert.Equal(t, nimble.ErrInvalid, errors.Cause(err))
	assert.Len(t, e.bufs, 1)
}

func TestExecuteCanceledThenLateResponse(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, out := startBridge(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Execute(ctx, &cmd.Reset{})
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	assert.Len(t, e.bufs, 1)

	require.NoError(t, c.ToHostEvent(cc(0x0c03, 0)))
	require.Eventually(t, func() bool { return c.Stats().Unsolicited == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !c.slot.isFull() }, time.Second, time.Millisecond)
	assert.Empty(t, out)
}

func TestOpcodeZeroSuppressed(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)

	require.NoError(t, c.ToHostEvent(cc(0x0000)))
	assert.False(t, c.slot.isFull())
	assert.Equal(t, uint64(1), c.Stats().Suppressed)

	require.NoError(t, c.ToHostEvent(cc(0x0c03, 0)))
	assert.True(t, c.slot.isFull())
}

func TestToHostACLSlotOccupied(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)

	disc := []byte{evt.DisconnectionCompleteCode, 4, 0, 0x40, 0x00, 0x13}
	require.NoError(t, c.ToHostEvent(disc))

	om := e.pool.Get()
	acl := hci.ACLPacket{Handle: 0x40, PB: hci.PbfControllerToHostStart, Data: []byte{1, 2, 3}}
	_, err = acl.WriteTo(om)
	require.NoError(t, err)
	free := e.pool.Available()

	assert.Equal(t, nimble.ErrNoMem, c.ToHostACL(om))
	assert.Equal(t, acl.Len(), om.Len(), "refused chain was consumed")
	assert.Equal(t, free, e.pool.Available())
	assert.Equal(t, uint64(1), c.Stats().Rejected)

	buf := make([]byte, hci.ReadBufferSize)
	p, err := c.Read(testCtx(t), buf)
	require.NoError(t, err)
	assert.Equal(t, hci.Event{Code: evt.DisconnectionCompleteCode, Params: disc[2:]}, p)

	require.NoError(t, c.ToHostACL(om))
	assert.Equal(t, free+1, e.pool.Available(), "accepted chain not freed")

	p, err = c.Read(testCtx(t), buf)
	require.NoError(t, err)
	assert.Equal(t, acl, p)
}

func TestToHostEventInvalid(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)

	err = c.ToHostEvent([]byte{evt.CommandCompleteCode, 9, 1})
	assert.Equal(t, nimble.ErrInvalid, errors.Cause(err))
	assert.False(t, c.slot.isFull())
}

func TestReadDropsUnsolicitedResponse(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)
	require.NoError(t, c.ToHostEvent(cc(0x0c03, 0)))

	ctx := testCtx(t)
	got := make(chan hci.Packet, 1)
	go func() {
		p, _ := c.Read(ctx, make([]byte, hci.ReadBufferSize))
		got <- p
	}()

	require.Eventually(t, func() bool { return !c.slot.isFull() }, time.Second, time.Millisecond)
	hw := []byte{evt.HardwareErrorCode, 1, 0x07}
	require.NoError(t, c.ToHostEvent(hw))

	select {
	case p := <-got:
		assert.Equal(t, hci.Event{Code: evt.HardwareErrorCode, Params: []byte{0x07}}, p)
	case <-time.After(time.Second):
		t.Fatal("read never returned")
	}
	assert.Equal(t, uint64(1), c.Stats().Unsolicited)
}

func TestReadFuncHoldsSlot(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)

	hw := []byte{evt.HardwareErrorCode, 1, 0x07}
	require.NoError(t, c.ToHostEvent(hw))

	err = c.ReadFunc(testCtx(t), make([]byte, hci.ReadBufferSize), func(p hci.Packet) error {
		assert.Equal(t, hci.Event{Code: evt.HardwareErrorCode, Params: []byte{0x07}}, p)
		assert.Equal(t, nimble.ErrNoMem, c.ToHostEvent(hw))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, c.slot.isFull())
	assert.NoError(t, c.ToHostEvent(hw))
}

func TestReadShortBuffer(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	var handled error
	c, err := New(e, nimble.OptErrorHandler(func(err error) { handled = err }))
	require.NoError(t, err)

	require.NoError(t, c.ToHostEvent([]byte{evt.HardwareErrorCode, 1, 0x07}))
	_, err = c.Read(testCtx(t), make([]byte, 2))
	assert.Error(t, err)
	assert.Equal(t, err, handled)
	assert.False(t, c.slot.isFull())
}

func TestDriveLoopWaitsForHost(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)

	ctx := testCtx(t)
	go c.Task().Run(ctx)

	var mu sync.Mutex
	var ran []int
	for i := 0; i < 2; i++ {
		i := i
		e.q.Put(npl.NewEvent(func(*npl.Event) {
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
			assert.NoError(t, c.ToHostEvent([]byte{evt.HardwareErrorCode, 1, byte(i)}))
		}, nil))
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(ran)
	}

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, count(), "second event ran before the host read the first packet")

	buf := make([]byte, hci.ReadBufferSize)
	for i := 0; i < 2; i++ {
		p, err := c.Read(ctx, buf)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, p.(hci.Event).Params)
	}
	assert.Equal(t, uint64(0), c.Stats().Rejected)
}

func TestWriteACLData(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	c, err := New(e)
	require.NoError(t, err)

	p := hci.ACLPacket{Handle: 0x40, Data: []byte("hello")}
	require.NoError(t, c.WriteACLData(p))
	require.Len(t, e.acl, 1)
	assert.Equal(t, p.Bytes(), e.acl[0].Bytes())

	free := e.pool.Available()
	e.toLLErr = errors.New("no connection")
	assert.Error(t, c.WriteACLData(p))
	assert.Equal(t, free, e.pool.Available(), "chain leaked on failure")

	e.toLLErr = nil
	require.NoError(t, c.WriteISOData(hci.ISOPacket{Handle: 0x10, Data: []byte{1}}))
	assert.Equal(t, uint64(1), c.Stats().ISOToController)

	assert.Equal(t, ErrUnsupported, c.WriteSyncData(hci.SyncPacket{}))
}

func TestWriteACLDataNoBuffer(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.pool = mbuf.NewPool(4, 0)
	c, err := New(e)
	require.NoError(t, err)
	assert.Equal(t, nimble.ErrNoMem, c.WriteACLData(hci.ACLPacket{}))
}

func TestOneControllerPerEngine(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	_, err := New(e)
	require.NoError(t, err)

	_, err = New(e)
	assert.Error(t, err)
	assert.Panics(t, func() { MustNew(e) })
}

func TestTask(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	e.phyErr = errors.New("no radio")
	c, err := New(e)
	require.NoError(t, err)
	assert.Panics(t, func() { c.Task().Run(context.Background()) })

	e.phyErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Task().Run(ctx) }()
	require.Eventually(t, c.running.Load, time.Second, time.Millisecond)

	assert.Equal(t, nimble.ErrBusy, c.Task().Run(ctx))

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("task did not stop")
	}
}

func TestOptions(t *testing.T) {
	e := newScriptedEngine(newTestPort(), 1)
	_, err := New(e, nimble.OptFlushBudget(-1))
	assert.Error(t, err)

	e = newScriptedEngine(newTestPort(), 1)
	c, err := New(e, nimble.OptFlushBudget(2), nimble.OptLogger(nimble.GetLogger()))
	require.NoError(t, err)
	assert.Equal(t, 2, c.flushBudget)
}
