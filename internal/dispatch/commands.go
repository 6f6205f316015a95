package dispatch

import (
	"github.com/mattjoyce/inputd/internal/events"
)

type commandKind uint8

const (
	cmdConfigurationChanged commandKind = iota + 1
	cmdChannelBroken
	cmdChannelANR
	cmdChannelRecovered
)

// command is a deferred policy call. It captures only what the call needs.
type command struct {
	kind      commandKind
	conn      *connection
	eventTime int64
}

func (d *Dispatcher) postCommandLocked(c command) {
	d.commands.PushBack(c)
}

// runCommandsLockedInterruptible drains the command queue. The lock is held
// on entry and exit but released around every policy call, so state read
// before a command must be revalidated after it. It reports whether any
// command ran.
func (d *Dispatcher) runCommandsLockedInterruptible() bool {
	ran := false
	for {
		c, ok := d.commands.PopFront()
		if !ok {
			return ran
		}
		ran = true

		switch c.kind {
		case cmdConfigurationChanged:
			d.mu.Unlock()
			d.policy.NotifyConfigurationChanged(c.eventTime)
			d.mu.Lock()

		case cmdChannelBroken:
			if c.conn.status == StatusZombie {
				continue
			}
			d.mu.Unlock()
			d.policy.NotifyInputChannelBroken(c.conn.ch)
			d.mu.Lock()

		case cmdChannelANR:
			d.doNotifyANRLockedInterruptible(c.conn)

		case cmdChannelRecovered:
			d.mu.Unlock()
			d.policy.NotifyInputChannelRecoveredFromANR(c.conn.ch)
			d.mu.Lock()
		}
	}
}

// doNotifyANRLockedInterruptible asks the policy whether to keep waiting on
// an unresponsive connection. The reply only applies if the connection is
// still not responding when the lock is retaken.
func (d *Dispatcher) doNotifyANRLockedInterruptible(conn *connection) {
	d.mu.Unlock()
	resume, newTimeout := d.policy.NotifyInputChannelANR(conn.ch)
	d.mu.Lock()

	if conn.status != StatusNotResponding {
		conn.logger.Debug("ignoring stale anr reply", "status", conn.status.String())
		return
	}

	now := d.now()
	if resume {
		if newTimeout <= 0 {
			newTimeout = d.cfg.DefaultTimeout
		}
		conn.nextTimeout = now.Add(newTimeout)
		conn.logger.Info("policy extended dispatch timeout", "timeout", newTimeout.String())
		return
	}

	// Closing the channel lets its transport see the hang-up and release
	// the consumer.
	conn.logger.Warn("policy abandoned unresponsive channel")
	d.removeConnectionLocked(now, conn)
	if err := conn.ch.Close(); err != nil {
		conn.logger.Debug("close abandoned channel failed", "error", err)
	}
	d.hub.Publish(events.ConnectionBroken, conn.ch.Name(), map[string]string{"reason": "anr_abandoned"})
}
