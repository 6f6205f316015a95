package dispatch

import (
	"time"

	"github.com/mattjoyce/inputd/internal/input"
)

// keyRepeatState tracks the last trusted key down. The entry in last is
// retained while held here.
type keyRepeatState struct {
	last eventRef
	// nextRepeat is zero while repeat is unarmed, including when the device
	// driver is generating its own repeats.
	nextRepeat time.Time
	// armPending defers arming until the policy has supplied a timeout.
	armPending bool
}

func (s *keyRepeatState) armed() bool {
	return s.last.valid() && !s.nextRepeat.IsZero()
}

func (d *Dispatcher) resetKeyRepeatLocked() {
	if d.keyRepeat.last.valid() {
		d.alloc.release(d.keyRepeat.last)
	}
	d.keyRepeat = keyRepeatState{}
}

// prepareKeyRepeatLocked updates repeat tracking before k is resolved.
func (d *Dispatcher) prepareKeyRepeatLocked(ref eventRef, k *keyEntry) {
	if k.syntheticRepeat {
		return
	}
	if k.repeatCount != 0 || k.action != input.KeyActionDown ||
		k.policyFlags&PolicyFlagTrusted == 0 || k.policyFlags&PolicyFlagDisableKeyRepeat != 0 {
		d.resetKeyRepeatLocked()
		return
	}

	if last := d.alloc.key(d.keyRepeat.last); last != nil && last.keyCode == k.keyCode {
		// Two identical downs in a row: the driver repeats on its own, so
		// count the repeat but do not synthesize any.
		k.repeatCount = last.repeatCount + 1
		d.resetKeyRepeatLocked()
	} else {
		d.resetKeyRepeatLocked()
		d.keyRepeat.armPending = true
	}

	d.alloc.retain(ref)
	d.keyRepeat.last = ref
}

// armKeyRepeatLocked starts the repeat timer for ref once the policy's
// timeout is known. A timeout <= 0 disables repeat for this key.
func (d *Dispatcher) armKeyRepeatLocked(ref eventRef, timeout time.Duration) {
	if !d.keyRepeat.armPending || d.keyRepeat.last != ref {
		return
	}
	d.keyRepeat.armPending = false
	if timeout <= 0 {
		d.resetKeyRepeatLocked()
		return
	}
	d.keyRepeat.nextRepeat = time.Unix(0, d.alloc.header(ref).eventTime).Add(timeout)
}

// synthesizeKeyRepeatLocked produces the next repeat of the held key. The
// held entry is reused in place when nothing else references it. The
// returned ref carries its own reference for the pending slot.
func (d *Dispatcher) synthesizeKeyRepeatLocked(now time.Time) eventRef {
	last := d.keyRepeat.last
	k := d.alloc.key(last)
	flags := PolicyFlagTrusted
	seq := d.alloc.seq()

	ref := last
	entry := k
	if d.alloc.refs(last) == 1 {
		k.init(seq, now.UnixNano(), flags)
		k.repeatCount++
	} else {
		h, e := d.alloc.keys.obtain()
		*e = *k
		e.init(seq, now.UnixNano(), flags)
		e.repeatCount = k.repeatCount + 1
		d.alloc.release(last)
		ref, entry = eventRef{kind: KindKey, h: h}, e
		d.keyRepeat.last = ref
	}
	entry.syntheticRepeat = true

	d.alloc.retain(ref)
	d.keyRepeat.nextRepeat = now.Add(d.cfg.KeyRepeatDelay)
	return ref
}
