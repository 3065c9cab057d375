package controller

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rigado/nimble"
	"github.com/rigado/nimble/npl"
)

// Task is the link layer task: it services the engine's event queue.
type Task struct {
	c *Controller
}

// Task returns the task driving c's engine.
func (c *Controller) Task() *Task {
	return &Task{c: c}
}

// Run initializes the radio and services the engine queue until ctx is done.
// Before each event it waits for the host to consume the packet in the read
// slot, so an event never overwrites data the host has not seen. A failing
// PhyInit panics.
func (t *Task) Run(ctx context.Context) error {
	c := t.c
	if !c.running.CompareAndSwap(false, true) {
		return nimble.ErrBusy
	}
	defer c.running.Store(false)

	if err := c.engine.PhyInit(); err != nil {
		panic(fmt.Sprintf("could not initialize phy: %v", err))
	}

	q := c.engine.EventQueue()
	for {
		ev := q.Get(ctx, npl.Forever)
		if ev == nil {
			return ctx.Err()
		}
		if err := c.readyToSend(ctx); err != nil {
			return err
		}
		ev.Run()
	}
}

// readyToSend lets a pending command completion reach its executor, then
// waits until the read slot is empty.
func (c *Controller) readyToSend(ctx context.Context) error {
	for i := 0; i < c.flushBudget && c.done.isPending(); i++ {
		runtime.Gosched()
	}
	return c.slot.waitDrained(ctx)
}
