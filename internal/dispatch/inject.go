package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/inputd/internal/input"
)

// InjectInputEvent queues ev as if it came from a device on behalf of the
// injector pid/uid. With SyncNone it returns SUCCEEDED once queued;
// otherwise it waits, without holding the lock, until the result is known
// (and for SyncWaitForFinished until every foreground delivery completed).
// A wait that outlasts timeout or ctx returns TIMED_OUT. timeout <= 0 uses
// the configured default.
func (d *Dispatcher) InjectInputEvent(ctx context.Context, ev input.Event, injectorPID, injectorUID int32, mode input.SyncMode, timeout time.Duration) input.InjectionResult {
	if injectorPID < 0 || injectorUID < 0 {
		d.logger.Warn("rejecting injection without injector identity", "pid", injectorPID, "uid", injectorUID)
		return input.InjectionFailed
	}

	var err error
	switch e := ev.(type) {
	case *input.KeyEvent:
		err = input.ValidateKey(e)
	case *input.MotionEvent:
		err = input.ValidateMotion(e)
	default:
		d.logger.Warn("rejecting injection of unknown event type", "type", fmt.Sprintf("%T", ev))
		return input.InjectionFailed
	}
	if err != nil {
		d.logger.Warn("rejecting invalid injected event", "error", err)
		return input.InjectionFailed
	}

	d.mu.Lock()
	var (
		ref eventRef
		hdr *eventHeader
	)
	switch e := ev.(type) {
	case *input.KeyEvent:
		r, k := d.alloc.obtainKeyEntry(e, PolicyFlagInjected)
		ref, hdr = r, &k.eventHeader
	case *input.MotionEvent:
		r, m := d.alloc.obtainMotionEntry(e, PolicyFlagInjected)
		ref, hdr = r, &m.eventHeader
	}
	hdr.injectorPID = injectorPID
	hdr.injectorUID = injectorUID

	var st *injectionState
	if mode != input.SyncNone {
		st = newInjectionState()
		hdr.injection = st
	}
	d.inbound.PushBack(ref)
	d.mu.Unlock()

	d.wakeUp()

	if st == nil {
		return input.InjectionSucceeded
	}

	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-st.resultCh:
	case <-timer.C:
		return input.InjectionTimedOut
	case <-ctx.Done():
		return input.InjectionTimedOut
	}

	// resultCh is closed after result is written.
	result := st.result
	if mode != input.SyncWaitForFinished || result != input.InjectionSucceeded {
		return result
	}

	select {
	case <-st.finishedCh:
		return result
	case <-timer.C:
		return input.InjectionTimedOut
	case <-ctx.Done():
		return input.InjectionTimedOut
	}
}
