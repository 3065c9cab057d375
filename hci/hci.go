// Package hci holds the HCI wire formats the transport bridge frames and
// correlates: commands, events, and ACL, ISO and synchronous data packets.
package hci

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/rigado/nimble/hci/evt"
)

// Command ...
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP ...
type CommandRP interface {
	Unmarshal(b []byte) error
}

// WriteCommand serializes c as opcode, parameter length and parameters into b
// and returns the number of bytes written.
func WriteCommand(c Command, b []byte) (int, error) {
	n := CmdHeaderSize + c.Len()
	if len(b) < n {
		return 0, io.ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(b, uint16(c.OpCode()))
	b[2] = byte(c.Len())
	if err := c.Marshal(b[CmdHeaderSize:n]); err != nil {
		return 0, errors.Wrapf(err, "can't marshal cmd 0x%04X", c.OpCode())
	}
	return n, nil
}

// CommandOpCode returns the opcode of a serialized command.
func CommandOpCode(b []byte) (uint16, error) {
	if len(b) < CmdHeaderSize {
		return 0, errors.Errorf("invalid cmd packet: % X", b)
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Packet is a controller to host packet returned by the bridge.
type Packet interface {
	Kind() PacketKind
}

// Event implements HCI Event Packet [Vol 2, Part E, 5.4.4].
type Event struct {
	Code   uint8
	Params []byte
}

func (Event) Kind() PacketKind { return PacketKindEvent }

// ParseEvent reads an event header and its parameters from the front of b.
// Trailing bytes are ignored.
func ParseEvent(b []byte) (Event, error) {
	if len(b) < EvtHeaderSize {
		return Event{}, errors.Errorf("invalid event packet: % X", b)
	}
	plen := int(b[1])
	if len(b) < EvtHeaderSize+plen {
		return Event{}, errors.Errorf("short event packet: want %d params, have %d", plen, len(b)-EvtHeaderSize)
	}
	return Event{Code: b[0], Params: b[EvtHeaderSize : EvtHeaderSize+plen]}, nil
}

// Len returns the wire length.
func (e Event) Len() int {
	return EvtHeaderSize + len(e.Params)
}

// Bytes returns the wire form, header included.
func (e Event) Bytes() []byte {
	b := make([]byte, e.Len())
	b[0] = e.Code
	b[1] = byte(len(e.Params))
	copy(b[EvtHeaderSize:], e.Params)
	return b
}

// CommandComplete returns the event as a command complete view.
func (e Event) CommandComplete() (evt.CommandComplete, bool) {
	if e.Code != evt.CommandCompleteCode {
		return nil, false
	}
	return evt.CommandComplete(e.Params), true
}

// CommandStatus returns the event as a command status view.
func (e Event) CommandStatus() (evt.CommandStatus, bool) {
	if e.Code != evt.CommandStatusCode {
		return nil, false
	}
	return evt.CommandStatus(e.Params), true
}

// IsCommandResponse reports whether the event answers a command.
func (e Event) IsCommandResponse() bool {
	return e.Code == evt.CommandCompleteCode || e.Code == evt.CommandStatusCode
}

// ResponseOpCode returns the opcode a command complete or status event
// answers.
func (e Event) ResponseOpCode() (uint16, error) {
	switch e.Code {
	case evt.CommandCompleteCode:
		return evt.CommandComplete(e.Params).CommandOpcodeWErr()
	case evt.CommandStatusCode:
		return evt.CommandStatus(e.Params).CommandOpcodeWErr()
	default:
		return 0, errors.Errorf("event 0x%02X is not a command response", e.Code)
	}
}

// ACLPacket implements HCI ACL Data Packet [Vol 2, Part E, 5.4.2].
type ACLPacket struct {
	Handle uint16
	PB     uint8
	BC     uint8
	Data   []byte
}

func (ACLPacket) Kind() PacketKind { return PacketKindACLData }

// ParseACL reads an ACL packet from the front of b.
func ParseACL(b []byte) (ACLPacket, error) {
	if len(b) < ACLHeaderSize {
		return ACLPacket{}, errors.Errorf("invalid acl packet: % X", b)
	}
	hf := binary.LittleEndian.Uint16(b)
	dlen := int(binary.LittleEndian.Uint16(b[2:]))
	if len(b) < ACLHeaderSize+dlen {
		return ACLPacket{}, errors.Errorf("short acl packet: want %d bytes, have %d", dlen, len(b)-ACLHeaderSize)
	}
	return ACLPacket{
		Handle: hf & 0x0fff,
		PB:     uint8(hf>>12) & 0x3,
		BC:     uint8(hf>>14) & 0x3,
		Data:   b[ACLHeaderSize : ACLHeaderSize+dlen],
	}, nil
}

func (p ACLPacket) Len() int {
	return ACLHeaderSize + len(p.Data)
}

func (p ACLPacket) header() []byte {
	h := make([]byte, ACLHeaderSize)
	binary.LittleEndian.PutUint16(h, p.Handle&0x0fff|uint16(p.PB&0x3)<<12|uint16(p.BC&0x3)<<14)
	binary.LittleEndian.PutUint16(h[2:], uint16(len(p.Data)))
	return h
}

// WriteTo writes the wire form to w.
func (p ACLPacket) WriteTo(w io.Writer) (int64, error) {
	return writeAll(w, p.header(), p.Data)
}

// Bytes returns the wire form.
func (p ACLPacket) Bytes() []byte {
	return append(p.header(), p.Data...)
}

// ISOPacket implements HCI ISO Data Packet [Vol 4, Part E, 5.4.5]. Data
// includes the optional time stamp and the ISO data load header.
type ISOPacket struct {
	Handle uint16
	PB     uint8
	TS     bool
	Data   []byte
}

func (ISOPacket) Kind() PacketKind { return PacketKindISOData }

// ParseISO reads an ISO packet from the front of b.
func ParseISO(b []byte) (ISOPacket, error) {
	if len(b) < ISOHeaderSize {
		return ISOPacket{}, errors.Errorf("invalid iso packet: % X", b)
	}
	hf := binary.LittleEndian.Uint16(b)
	dlen := int(binary.LittleEndian.Uint16(b[2:]) & 0x3fff)
	if len(b) < ISOHeaderSize+dlen {
		return ISOPacket{}, errors.Errorf("short iso packet: want %d bytes, have %d", dlen, len(b)-ISOHeaderSize)
	}
	return ISOPacket{
		Handle: hf & 0x0fff,
		PB:     uint8(hf>>12) & 0x3,
		TS:     hf&(1<<14) != 0,
		Data:   b[ISOHeaderSize : ISOHeaderSize+dlen],
	}, nil
}

func (p ISOPacket) Len() int {
	return ISOHeaderSize + len(p.Data)
}

func (p ISOPacket) header() []byte {
	hf := p.Handle&0x0fff | uint16(p.PB&0x3)<<12
	if p.TS {
		hf |= 1 << 14
	}
	h := make([]byte, ISOHeaderSize)
	binary.LittleEndian.PutUint16(h, hf)
	binary.LittleEndian.PutUint16(h[2:], uint16(len(p.Data))&0x3fff)
	return h
}

// WriteTo writes the wire form to w.
func (p ISOPacket) WriteTo(w io.Writer) (int64, error) {
	return writeAll(w, p.header(), p.Data)
}

// SyncPacket implements HCI Synchronous Data Packet [Vol 4, Part E, 5.4.3].
type SyncPacket struct {
	Handle uint16
	Status uint8
	Data   []byte
}

func (SyncPacket) Kind() PacketKind { return PacketKindSyncData }

// ParseSync reads a synchronous data packet from the front of b.
func ParseSync(b []byte) (SyncPacket, error) {
	if len(b) < SyncHeaderSize {
		return SyncPacket{}, errors.Errorf("invalid sync packet: % X", b)
	}
	hf := binary.LittleEndian.Uint16(b)
	dlen := int(b[2])
	if len(b) < SyncHeaderSize+dlen {
		return SyncPacket{}, errors.Errorf("short sync packet: want %d bytes, have %d", dlen, len(b)-SyncHeaderSize)
	}
	return SyncPacket{
		Handle: hf & 0x0fff,
		Status: uint8(hf>>12) & 0x3,
		Data:   b[SyncHeaderSize : SyncHeaderSize+dlen],
	}, nil
}

// ParsePacket parses a controller to host packet of the given kind.
func ParsePacket(kind PacketKind, b []byte) (Packet, error) {
	switch kind {
	case PacketKindEvent:
		return ParseEvent(b)
	case PacketKindACLData:
		return ParseACL(b)
	case PacketKindISOData:
		return ParseISO(b)
	case PacketKindSyncData:
		return ParseSync(b)
	default:
		return nil, errors.Errorf("invalid packet kind 0x%02X", uint8(kind))
	}
}

func writeAll(w io.Writer, bb ...[]byte) (int64, error) {
	var total int64
	for _, b := range bb {
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
