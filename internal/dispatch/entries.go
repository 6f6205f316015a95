package dispatch

import (
	"fmt"
	"time"

	"github.com/mattjoyce/inputd/internal/input"
)

// EntryKind tags the variant of an inbound event entry.
type EntryKind uint8

const (
	kindNone EntryKind = iota
	KindConfigurationChanged
	KindKey
	KindMotion
)

func (k EntryKind) String() string {
	switch k {
	case KindConfigurationChanged:
		return "configuration_changed"
	case KindKey:
		return "key"
	case KindMotion:
		return "motion"
	default:
		return fmt.Sprintf("entry_kind(%d)", uint8(k))
	}
}

// eventRef names a pooled event entry of a given kind.
type eventRef struct {
	kind EntryKind
	h    handle
}

func (r eventRef) valid() bool { return r.kind != kindNone && r.h.valid() }

// eventHeader is shared by all event variants.
type eventHeader struct {
	seq                uint64
	eventTime          int64
	policyFlags        PolicyFlags
	injectionResult    input.InjectionResult
	injectorPID        int32
	injectorUID        int32
	dispatchInProgress bool
	injection          *injectionState
}

func (h *eventHeader) init(seq uint64, eventTime int64, flags PolicyFlags) {
	*h = eventHeader{
		seq:         seq,
		eventTime:   eventTime,
		policyFlags: flags,
		injectorPID: -1,
		injectorUID: -1,
	}
}

func (h *eventHeader) injected() bool {
	return h.injectorPID >= 0 && h.injectorUID >= 0
}

// resolve records the injection result once; later calls are ignored.
// Results that are not final are recorded as FAILED.
func (h *eventHeader) resolve(result input.InjectionResult) {
	if h.injectionResult != input.InjectionPending {
		return
	}
	if !result.Terminal() {
		result = input.InjectionFailed
	}
	h.injectionResult = result
	if h.injection != nil {
		h.injection.resolve(result)
	}
}

type configChangedEntry struct {
	eventHeader
}

type keyEntry struct {
	eventHeader
	deviceID        int32
	source          uint32
	action          int32
	flags           int32
	keyCode         int32
	scanCode        int32
	metaState       int32
	repeatCount     int32
	downTime        int64
	syntheticRepeat bool
}

func (k *keyEntry) event() input.KeyEvent {
	return input.KeyEvent{
		DeviceID:    k.deviceID,
		Source:      k.source,
		Action:      k.action,
		Flags:       k.flags,
		KeyCode:     k.keyCode,
		ScanCode:    k.scanCode,
		MetaState:   k.metaState,
		RepeatCount: k.repeatCount,
		DownTime:    k.downTime,
		EventTime:   k.eventTime,
	}
}

// motionEntry stores samples flat: sample i owns
// coords[i*len(pointerIDs) : (i+1)*len(pointerIDs)].
type motionEntry struct {
	eventHeader
	deviceID    int32
	source      uint32
	action      int32
	flags       int32
	metaState   int32
	edgeFlags   int32
	xPrecision  float32
	yPrecision  float32
	downTime    int64
	pointerIDs  []int32
	sampleTimes []int64
	coords      []input.PointerCoords
}

func (m *motionEntry) sampleCount() int { return len(m.sampleTimes) }

func (m *motionEntry) sampleCoords(i int) []input.PointerCoords {
	n := len(m.pointerIDs)
	return m.coords[i*n : (i+1)*n]
}

// sample copies sample i translated by (dx, dy).
func (m *motionEntry) sample(i int, dx, dy float32) input.MotionSample {
	src := m.sampleCoords(i)
	coords := make([]input.PointerCoords, len(src))
	for j, c := range src {
		coords[j] = c.Offset(dx, dy)
	}
	return input.MotionSample{EventTime: m.sampleTimes[i], Coords: coords}
}

func (m *motionEntry) appendSample(eventTime int64, coords []input.PointerCoords) {
	m.sampleTimes = append(m.sampleTimes, eventTime)
	m.coords = append(m.coords, coords...)
	m.eventTime = eventTime
}

// replaceLastSample overwrites the newest sample in place.
func (m *motionEntry) replaceLastSample(eventTime int64, coords []input.PointerCoords) {
	last := m.sampleCount() - 1
	copy(m.sampleCoords(last), coords)
	m.sampleTimes[last] = eventTime
	m.eventTime = eventTime
}

// event builds the public form carrying samples [from, to) translated by
// (dx, dy) with the given action.
func (m *motionEntry) event(action int32, from, to int, dx, dy float32) input.MotionEvent {
	ev := input.MotionEvent{
		DeviceID:   m.deviceID,
		Source:     m.source,
		Action:     action,
		Flags:      m.flags,
		MetaState:  m.metaState,
		EdgeFlags:  m.edgeFlags,
		XPrecision: m.xPrecision,
		YPrecision: m.yPrecision,
		DownTime:   m.downTime,
		PointerIDs: append([]int32(nil), m.pointerIDs...),
		Samples:    make([]input.MotionSample, 0, to-from),
	}
	for i := from; i < to; i++ {
		ev.Samples = append(ev.Samples, m.sample(i, dx, dy))
	}
	return ev
}

// canAppend reports whether a MOVE with these pointers may be batched onto m.
func (m *motionEntry) canAppend(ev *input.MotionEvent) bool {
	switch m.action & input.MotionActionMask {
	case input.MotionActionDown, input.MotionActionMove:
	default:
		return false
	}
	if m.injected() || m.source != ev.Source || len(m.pointerIDs) != len(ev.PointerIDs) {
		return false
	}
	for i, id := range m.pointerIDs {
		if ev.PointerIDs[i] != id {
			return false
		}
	}
	return true
}

// dispatchEntry is one (event, connection) delivery.
type dispatchEntry struct {
	event   eventRef
	flags   TargetFlags
	xOffset float32
	yOffset float32
	timeout time.Duration

	inProgress   bool
	dispatchedAt time.Time
	// headSample is the first motion sample published by the next cycle.
	headSample int
	// tailSample is the first sample that did not fit in the current
	// publication, or -1.
	tailSample int
	// sentSamples counts samples carried by the current publication.
	sentSamples int
}

func (d *dispatchEntry) foreground() bool {
	return d.flags&TargetOutside == 0
}

// injectionState lets an injector wait for its event without the
// dispatcher lock. Fields are guarded by the dispatcher lock; closing the
// channels publishes them.
type injectionState struct {
	result            input.InjectionResult
	resultCh          chan struct{}
	finishedCh        chan struct{}
	pendingForeground int
	resolved          bool
	finished          bool
}

func newInjectionState() *injectionState {
	return &injectionState{
		resultCh:   make(chan struct{}),
		finishedCh: make(chan struct{}),
	}
}

func (s *injectionState) resolve(result input.InjectionResult) {
	if s.resolved {
		return
	}
	s.result = result
	s.resolved = true
	close(s.resultCh)
	s.maybeFinish()
}

func (s *injectionState) maybeFinish() {
	if s.resolved && !s.finished && s.pendingForeground == 0 {
		s.finished = true
		close(s.finishedCh)
	}
}
