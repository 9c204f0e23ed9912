// Package fault raises and observes fault conditions. A raised fault is
// broadcast group-wide; each process's channel becomes pending and delivery
// follows the local fault mode: synchronous delivery waits for an explicit
// probe or a designated runtime operation, asynchronous delivery interrupts
// the process's cycle context immediately.
package fault

import (
	"sync"

	"github.com/psantana5/reinit/pkg/comm"
	"github.com/psantana5/reinit/pkg/models"
)

// Channel is one process's fault signal channel.
type Channel struct {
	mu        sync.Mutex
	mode      models.FaultMode
	pending   bool
	event     models.FaultEvent
	notifier  comm.Notifier
	interrupt func()
}

// NewChannel creates a channel in synchronous mode, wired to the group
// notifier used by Raise.
func NewChannel(notifier comm.Notifier) *Channel {
	return &Channel{mode: models.SynchronousFaults, notifier: notifier}
}

// Raise broadcasts a fault notification to every process in the group,
// including the caller. Behaves identically for application-raised and
// substrate-detected faults.
func (c *Channel) Raise(origin int, kind models.FaultKind) {
	c.notifier.NotifyAll(models.FaultEvent{Origin: origin, Kind: kind})
}

// Deliver marks the channel pending. In asynchronous mode the bound
// interrupt fires immediately. Later events do not overwrite a pending one;
// the fault is transient and consumed once observed.
func (c *Channel) Deliver(ev models.FaultEvent) {
	c.mu.Lock()
	if !c.pending {
		c.pending = true
		c.event = ev
	}
	fire := c.mode == models.AsynchronousFaults
	interrupt := c.interrupt
	c.mu.Unlock()

	if fire && interrupt != nil {
		interrupt()
	}
}

// Pending reports whether a fault is waiting to be observed.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Consume observes and clears the pending fault.
func (c *Channel) Consume() (models.FaultEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return models.FaultEvent{}, false
	}
	c.pending = false
	return c.event, true
}

// Mode returns the local delivery mode.
func (c *Channel) Mode() models.FaultMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the local delivery mode. It has no retroactive effect: a
// fault already pending stays pending and is observed at the next delivery
// point, even when switching to asynchronous mode.
func (c *Channel) SetMode(mode models.FaultMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// BindInterrupt installs the function fired on asynchronous delivery,
// normally the cancel of the current application cycle context. The runtime
// rebinds it at the start of every cycle.
func (c *Channel) BindInterrupt(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupt = fn
}
