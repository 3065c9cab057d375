package controller

import (
	"github.com/rigado/nimble/mbuf"
	"github.com/rigado/nimble/npl"
)

// Engine is the controller side of the transport: a link layer running on
// the porting layer.
type Engine interface {
	// Attach registers the host side of the transport. An engine serves one
	// host; a second Attach fails.
	Attach(h HostTransport) error

	// PhyInit brings up the radio before the link layer task starts.
	PhyInit() error

	// EventQueue is the queue the link layer task services.
	EventQueue() *npl.EventQueue

	// AllocCmd returns a command buffer, or nil when none is free.
	AllocCmd() []byte
	// FreeCmd returns a buffer obtained from AllocCmd.
	FreeCmd(b []byte)
	// ToLLCmd queues a serialized command. b stays valid until FreeCmd.
	ToLLCmd(b []byte) error

	// AllocACL returns an mbuf for host to controller ACL data, or nil.
	AllocACL() *mbuf.Mbuf
	// AllocISO returns an mbuf for host to controller ISO data, or nil.
	AllocISO() *mbuf.Mbuf
	// ToLLACL and ToLLISO take ownership of om on success only.
	ToLLACL(om *mbuf.Mbuf) error
	ToLLISO(om *mbuf.Mbuf) error
}

// HostTransport is what the engine calls to deliver packets to the host.
// Both calls may come from interrupt context and never block.
type HostTransport interface {
	// ToHostEvent delivers one wire formatted event, header included.
	ToHostEvent(ev []byte) error
	// ToHostACL delivers one ACL packet and frees om on success.
	ToHostACL(om *mbuf.Mbuf) error
}
