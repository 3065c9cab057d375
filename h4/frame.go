package h4

import (
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rigado/nimble/hci"
)

// H4 packet indicators.
const (
	cmdPacket   = byte(hci.PacketKindCmd)
	aclPacket   = byte(hci.PacketKindACLData)
	syncPacket  = byte(hci.PacketKindSyncData)
	eventPacket = byte(hci.PacketKindEvent)
	isoPacket   = byte(hci.PacketKindISOData)
)

const frameTimeout = 500 * time.Millisecond

// frame reassembles H4 packets from a byte stream. Bytes that cannot start
// a packet are skipped, and a partial packet is dropped once it has waited
// longer than frameTimeout for its remainder.
type frame struct {
	b       []byte
	timeout time.Time
	emit    func([]byte)
	accept  map[byte]bool
	clk     clock.Clock
}

func newFrame(emit func([]byte), clk clock.Clock, kinds ...byte) *frame {
	f := &frame{
		emit:   emit,
		accept: map[byte]bool{},
		clk:    clk,
	}
	for _, k := range kinds {
		f.accept[k] = true
	}
	f.reset()
	return f
}

// Assemble consumes b and emits every packet it completes. Emitted slices
// include the indicator byte and are owned by the receiver.
func (f *frame) Assemble(b []byte) {
	if len(b) == 0 {
		return
	}
	if len(f.b) > 0 && f.clk.Now().After(f.timeout) {
		f.reset()
	}

	for len(b) > 0 {
		if len(f.b) == 0 {
			if b = f.waitStart(b); len(b) == 0 {
				return
			}
			f.timeout = f.clk.Now().Add(frameTimeout)
		}
		f.b = append(f.b, b...)
		b = nil

		for len(f.b) > 0 {
			tl, ok := f.length()
			if !ok || len(f.b) < tl {
				return
			}
			out := make([]byte, tl)
			copy(out, f.b)
			f.emit(out)

			// shift
			rem := f.b[tl:]
			f.reset()
			if len(rem) > 0 {
				b = append([]byte(nil), rem...)
				break
			}
		}
	}
}

func (f *frame) reset() {
	f.b = make([]byte, 0, 2*hci.ReadBufferSize)
	f.timeout = time.Time{}
}

// waitStart returns b from the first byte that can start a packet.
func (f *frame) waitStart(b []byte) []byte {
	for i, v := range b {
		if f.accept[v] {
			return b[i:]
		}
	}
	return nil
}

// length returns the size of the packet at the front of the buffer, once
// enough of its header has arrived.
func (f *frame) length() (int, bool) {
	var hl int
	switch f.b[0] {
	case cmdPacket:
		hl = hci.CmdHeaderSize
	case aclPacket:
		hl = hci.ACLHeaderSize
	case syncPacket:
		hl = hci.SyncHeaderSize
	case eventPacket:
		hl = hci.EvtHeaderSize
	case isoPacket:
		hl = hci.ISOHeaderSize
	default:
		return 0, false
	}
	if len(f.b) < 1+hl {
		return 0, false
	}

	h := f.b[1:]
	var dl int
	switch f.b[0] {
	case cmdPacket, syncPacket:
		dl = int(h[2])
	case eventPacket:
		dl = int(h[1])
	case aclPacket:
		dl = int(binary.LittleEndian.Uint16(h[2:]))
	case isoPacket:
		dl = int(binary.LittleEndian.Uint16(h[2:]) & 0x3fff)
	}
	return 1 + hl + dl, true
}
