package controller

import (
	"sync/atomic"
)

// Stats counts traffic through the bridge.
type Stats struct {
	Commands        uint64 `json:"commands"`
	Mismatched      uint64 `json:"mismatched"`
	Unsolicited     uint64 `json:"unsolicited"`
	Suppressed      uint64 `json:"suppressed"`
	Rejected        uint64 `json:"rejected"`
	EventsToHost    uint64 `json:"eventsToHost"`
	ACLToHost       uint64 `json:"aclToHost"`
	ACLToController uint64 `json:"aclToController"`
	ISOToController uint64 `json:"isoToController"`
}

type stats struct {
	commands        atomic.Uint64
	mismatched      atomic.Uint64
	unsolicited     atomic.Uint64
	suppressed      atomic.Uint64
	rejected        atomic.Uint64
	eventsToHost    atomic.Uint64
	aclToHost       atomic.Uint64
	aclToController atomic.Uint64
	isoToController atomic.Uint64
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Commands:        c.stats.commands.Load(),
		Mismatched:      c.stats.mismatched.Load(),
		Unsolicited:     c.stats.unsolicited.Load(),
		Suppressed:      c.stats.suppressed.Load(),
		Rejected:        c.stats.rejected.Load(),
		EventsToHost:    c.stats.eventsToHost.Load(),
		ACLToHost:       c.stats.aclToHost.Load(),
		ACLToController: c.stats.aclToController.Load(),
		ISOToController: c.stats.isoToController.Load(),
	}
}
