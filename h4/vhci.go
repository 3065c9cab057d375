package h4

import "io"

const vendorPacket = 0xff

// VHCI is a virtual controller registered with the Linux Bluetooth stack.
// The kernel host talks H4 on it.
type VHCI struct {
	io.ReadWriteCloser

	// Index is the hciN number the kernel assigned.
	Index uint16
}
