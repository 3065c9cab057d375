// Package cmd holds HCI command parameter blocks and their return
// parameters.
package cmd

import (
	"bytes"
	"encoding/binary"
	"io"
)

type command interface {
	Len() int
}

func marshal(c command, b []byte) error {
	buf := bytes.NewBuffer(b)
	buf.Reset()
	if buf.Cap() < c.Len() {
		return io.ErrShortBuffer
	}
	return binary.Write(buf, binary.LittleEndian, c)
}

func unmarshal(c interface{}, b []byte) error {
	buf := bytes.NewBuffer(b)
	return binary.Read(buf, binary.LittleEndian, c)
}

// OpCode builds an opcode from its group and command fields.
func OpCode(ogf, ocf int) int {
	return ogf<<10 | ocf
}

// Raw is a command given as opcode and already serialized parameters.
type Raw struct {
	Op     int
	Params []byte
}

func (c *Raw) OpCode() int { return c.Op }

func (c *Raw) Len() int { return len(c.Params) }

func (c *Raw) Marshal(b []byte) error {
	if len(b) < len(c.Params) {
		return io.ErrShortBuffer
	}
	copy(b, c.Params)
	return nil
}

// RawRP keeps the return parameters as bytes.
type RawRP struct {
	Params []byte
}

func (c *RawRP) Unmarshal(b []byte) error {
	c.Params = append(c.Params[:0], b...)
	return nil
}
