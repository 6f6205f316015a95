package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/inputd/internal/input"
)

// streamState remembers the motion entry most recently handed to targets so
// later MOVE samples can follow it into publications already in flight.
type streamState struct {
	ref     eventRef
	targets []InputTarget
}

func (d *Dispatcher) resetStreamingLocked() {
	d.streaming.ref = eventRef{}
	d.streaming.targets = d.streaming.targets[:0]
}

func (d *Dispatcher) startStreamingLocked(ref eventRef, targets []InputTarget) {
	d.streaming.ref = ref
	d.streaming.targets = d.streaming.targets[:0]
	for _, t := range targets {
		if t.Channel != nil && t.Flags&(TargetOutside|TargetCancel) == 0 {
			d.streaming.targets = append(d.streaming.targets, t)
		}
	}
}

// NotifyConfigurationChanged queues a configuration change.
func (d *Dispatcher) NotifyConfigurationChanged(eventTime int64) {
	d.mu.Lock()
	ref := d.alloc.obtainConfigurationChangedEntry(eventTime)
	d.inbound.PushBack(ref)
	d.mu.Unlock()

	d.wakeUp()
}

// NotifyKey queues a key event from a trusted device.
func (d *Dispatcher) NotifyKey(ev *input.KeyEvent) error {
	if err := input.ValidateKey(ev); err != nil {
		return err
	}

	d.mu.Lock()
	ref, _ := d.alloc.obtainKeyEntry(ev, PolicyFlagTrusted)
	d.inbound.PushBack(ref)
	d.mu.Unlock()

	d.wakeUp()
	return nil
}

// NotifyMotion queues a motion event from a trusted device. MOVE samples
// join the newest queued motion from the same device when compatible, or
// follow the motion currently being delivered when nothing is queued.
func (d *Dispatcher) NotifyMotion(ev *input.MotionEvent) error {
	if err := input.ValidateMotion(ev); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.batchMotionLocked(ev) {
		ref, _ := d.alloc.obtainMotionEntry(ev, PolicyFlagTrusted)
		d.inbound.PushBack(ref)
	}
	d.mu.Unlock()

	d.wakeUp()
	return nil
}

// batchMotionLocked reports whether ev was absorbed into an existing entry.
func (d *Dispatcher) batchMotionLocked(ev *input.MotionEvent) bool {
	if ev.MaskedAction() != input.MotionActionMove {
		return false
	}

	for i := d.inbound.Len() - 1; i >= 0; i-- {
		ref := d.inbound.At(i)
		m := d.alloc.motion(ref)
		if m == nil || m.deviceID != ev.DeviceID {
			continue
		}
		if !m.canAppend(ev) {
			return false
		}
		d.appendSamplesLocked(m, ev)
		return true
	}

	return d.streamSamplesLocked(ev)
}

// appendSamplesLocked adds ev's samples to a queued entry. Samples closer
// together than the coalesce interval replace the newest one, except a
// lone DOWN sample which is always kept.
func (d *Dispatcher) appendSamplesLocked(m *motionEntry, ev *input.MotionEvent) {
	interval := d.cfg.MotionCoalesceInterval
	for _, s := range ev.Samples {
		last := m.sampleCount() - 1
		loneDown := last == 0 && m.action&input.MotionActionMask == input.MotionActionDown
		if interval > 0 && !loneDown && time.Duration(s.EventTime-m.sampleTimes[last]) <= interval {
			m.replaceLastSample(s.EventTime, s.Coords)
			continue
		}
		m.appendSample(s.EventTime, s.Coords)
	}
}

// streamSamplesLocked appends ev to the motion last handed to targets and
// pushes the new samples to every foreground target.
func (d *Dispatcher) streamSamplesLocked(ev *input.MotionEvent) bool {
	ref := d.streaming.ref
	m := d.alloc.motion(ref)
	if m == nil || m.deviceID != ev.DeviceID || !m.canAppend(ev) {
		return false
	}

	first := m.sampleCount()
	for _, s := range ev.Samples {
		m.appendSample(s.EventTime, s.Coords)
	}

	now := d.now()
	for _, t := range d.streaming.targets {
		conn, ok := d.connections[t.Channel.Token()]
		if !ok || conn.status != StatusNormal {
			continue
		}
		d.streamToConnectionLocked(now, conn, ref, m, t, first)
	}
	return true
}

func (d *Dispatcher) streamToConnectionLocked(now time.Time, conn *connection, ref eventRef, m *motionEntry, t InputTarget, first int) {
	h, ok := conn.outbound.Back()
	if !ok || d.alloc.dispatch(h).event != ref {
		// The earlier delivery finished or something queued behind it;
		// start a new one at the first new sample.
		d.prepareDispatchCycleLocked(now, conn, ref, t, first)
		return
	}

	de := d.alloc.dispatch(h)
	if !de.inProgress || de.tailSample >= 0 {
		// The next cycle publishes from its head through the newest sample.
		return
	}
	for i := first; i < m.sampleCount(); i++ {
		err := conn.ch.AppendMotionSample(m.sample(i, de.xOffset, de.yOffset))
		if errors.Is(err, ErrNoMemory) || errors.Is(err, ErrConsumed) {
			de.tailSample = i
			return
		}
		if err != nil {
			conn.logger.Error("stream motion sample failed", "error", fmt.Errorf("append motion sample: %w", err))
			d.abortBrokenDispatchCycleLocked(now, conn, true)
			return
		}
		de.sentSamples++
	}
}
