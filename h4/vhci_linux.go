//go:build linux
// +build linux

package h4

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const vhciPath = "/dev/vhci"

// NewVHCI creates a primary controller on /dev/vhci.
func NewVHCI() (*VHCI, error) {
	fd, err := unix.Open(vhciPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", vhciPath)
	}

	// vendor packet, opcode 0x00: create a primary controller
	if _, err := unix.Write(fd, []byte{vendorPacket, 0x00}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't create vhci device")
	}

	b := make([]byte, 4)
	n, err := unix.Read(fd, b)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't read vhci index")
	}
	if n != len(b) || b[0] != vendorPacket {
		unix.Close(fd)
		return nil, errors.Errorf("unexpected vhci reply % X", b[:n])
	}

	return &VHCI{
		ReadWriteCloser: os.NewFile(uintptr(fd), vhciPath),
		Index:           binary.LittleEndian.Uint16(b[2:]),
	}, nil
}
