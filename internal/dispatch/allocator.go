package dispatch

import "github.com/mattjoyce/inputd/internal/input"

// allocator owns one arena per entry variant. It is only used with the
// dispatcher lock held.
type allocator struct {
	configs    *arena[configChangedEntry]
	keys       *arena[keyEntry]
	motions    *arena[motionEntry]
	dispatches *arena[dispatchEntry]
	nextSeq    uint64
}

func newAllocator(chunk int) *allocator {
	return &allocator{
		configs: newArena(chunk, func(e *configChangedEntry) { *e = configChangedEntry{} }),
		keys:    newArena(chunk, func(e *keyEntry) { *e = keyEntry{} }),
		motions: newArena(chunk, func(e *motionEntry) {
			// Keep slice capacity for the next motion.
			*e = motionEntry{
				pointerIDs:  e.pointerIDs[:0],
				sampleTimes: e.sampleTimes[:0],
				coords:      e.coords[:0],
			}
		}),
		dispatches: newArena(chunk, func(e *dispatchEntry) { *e = dispatchEntry{} }),
	}
}

func (a *allocator) seq() uint64 {
	a.nextSeq++
	return a.nextSeq
}

func (a *allocator) obtainConfigurationChangedEntry(eventTime int64) eventRef {
	h, e := a.configs.obtain()
	e.init(a.seq(), eventTime, 0)
	return eventRef{kind: KindConfigurationChanged, h: h}
}

func (a *allocator) obtainKeyEntry(ev *input.KeyEvent, flags PolicyFlags) (eventRef, *keyEntry) {
	h, e := a.keys.obtain()
	e.init(a.seq(), ev.EventTime, flags)
	e.deviceID = ev.DeviceID
	e.source = ev.Source
	e.action = ev.Action
	e.flags = ev.Flags
	e.keyCode = ev.KeyCode
	e.scanCode = ev.ScanCode
	e.metaState = ev.MetaState
	e.repeatCount = ev.RepeatCount
	e.downTime = ev.DownTime
	return eventRef{kind: KindKey, h: h}, e
}

func (a *allocator) obtainMotionEntry(ev *input.MotionEvent, flags PolicyFlags) (eventRef, *motionEntry) {
	h, e := a.motions.obtain()
	e.init(a.seq(), ev.EventTime(), flags)
	e.deviceID = ev.DeviceID
	e.source = ev.Source
	e.action = ev.Action
	e.flags = ev.Flags
	e.metaState = ev.MetaState
	e.edgeFlags = ev.EdgeFlags
	e.xPrecision = ev.XPrecision
	e.yPrecision = ev.YPrecision
	e.downTime = ev.DownTime
	e.pointerIDs = append(e.pointerIDs, ev.PointerIDs...)
	for _, s := range ev.Samples {
		e.appendSample(s.EventTime, s.Coords)
	}
	return eventRef{kind: KindMotion, h: h}, e
}

// obtainDispatchEntry retains the event for the lifetime of the delivery.
func (a *allocator) obtainDispatchEntry(ref eventRef, target InputTarget, headSample int) (handle, *dispatchEntry) {
	a.retain(ref)
	h, e := a.dispatches.obtain()
	e.event = ref
	e.flags = target.Flags
	e.xOffset = target.XOffset
	e.yOffset = target.YOffset
	e.timeout = target.Timeout
	e.headSample = headSample
	e.tailSample = -1
	return h, e
}

func (a *allocator) header(ref eventRef) *eventHeader {
	switch ref.kind {
	case KindConfigurationChanged:
		if e := a.configs.get(ref.h); e != nil {
			return &e.eventHeader
		}
	case KindKey:
		if e := a.keys.get(ref.h); e != nil {
			return &e.eventHeader
		}
	case KindMotion:
		if e := a.motions.get(ref.h); e != nil {
			return &e.eventHeader
		}
	}
	return nil
}

func (a *allocator) key(ref eventRef) *keyEntry {
	if ref.kind != KindKey {
		return nil
	}
	return a.keys.get(ref.h)
}

func (a *allocator) motion(ref eventRef) *motionEntry {
	if ref.kind != KindMotion {
		return nil
	}
	return a.motions.get(ref.h)
}

func (a *allocator) dispatch(h handle) *dispatchEntry {
	return a.dispatches.get(h)
}

func (a *allocator) refs(ref eventRef) int32 {
	switch ref.kind {
	case KindConfigurationChanged:
		return a.configs.refs(ref.h)
	case KindKey:
		return a.keys.refs(ref.h)
	case KindMotion:
		return a.motions.refs(ref.h)
	}
	return 0
}

func (a *allocator) retain(ref eventRef) {
	switch ref.kind {
	case KindConfigurationChanged:
		a.configs.retain(ref.h)
	case KindKey:
		a.keys.retain(ref.h)
	case KindMotion:
		a.motions.retain(ref.h)
	default:
		panic("dispatch: retain of empty event ref")
	}
}

// release drops one reference. When the last reference goes, an injection
// still pending resolves to FAILED so its waiter wakes.
func (a *allocator) release(ref eventRef) {
	if a.refs(ref) == 1 {
		if hdr := a.header(ref); hdr != nil {
			hdr.resolve(input.InjectionFailed)
		}
	}
	switch ref.kind {
	case KindConfigurationChanged:
		a.configs.release(ref.h)
	case KindKey:
		a.keys.release(ref.h)
	case KindMotion:
		a.motions.release(ref.h)
	default:
		panic("dispatch: release of empty event ref")
	}
}

// releaseDispatchEntry frees the delivery and drops its event reference.
func (a *allocator) releaseDispatchEntry(h handle) {
	e := a.dispatches.get(h)
	if e == nil {
		panic("dispatch: release of stale dispatch entry")
	}
	ref := e.event
	a.dispatches.release(h)
	a.release(ref)
}

// PoolStats reports live entries and allocated slots per variant.
type PoolStats struct {
	LiveConfigs    int `json:"live_configs"`
	LiveKeys       int `json:"live_keys"`
	LiveMotions    int `json:"live_motions"`
	LiveDispatches int `json:"live_dispatches"`
	Capacity       int `json:"capacity"`
}

func (a *allocator) stats() PoolStats {
	return PoolStats{
		LiveConfigs:    a.configs.live,
		LiveKeys:       a.keys.live,
		LiveMotions:    a.motions.live,
		LiveDispatches: a.dispatches.live,
		Capacity: a.configs.capacity() + a.keys.capacity() +
			a.motions.capacity() + a.dispatches.capacity(),
	}
}
