// Package input defines the public key and motion event values exchanged
// between producers, the dispatcher, the policy and channel consumers.
package input

import (
	"fmt"
	"time"
)

// Times are nanoseconds on the input clock (see Now).
type Nanos = int64

// Now returns the current input clock reading.
func Now() Nanos {
	return time.Now().UnixNano()
}

// Key actions.
const (
	KeyActionDown int32 = iota
	KeyActionUp
	KeyActionMultiple
)

// Key flags.
const (
	KeyFlagWokeHere       int32 = 0x1
	KeyFlagSoftKeyboard   int32 = 0x2
	KeyFlagKeepTouchMode  int32 = 0x4
	KeyFlagFromSystem     int32 = 0x8
	KeyFlagCanceled       int32 = 0x20
	KeyFlagVirtualHardKey int32 = 0x40
	KeyFlagLongPress      int32 = 0x80
)

// Motion actions. POINTER_DOWN and POINTER_UP carry the pointer index in the
// bits selected by MotionActionPointerIndexMask.
const (
	MotionActionDown int32 = iota
	MotionActionUp
	MotionActionMove
	MotionActionCancel
	MotionActionOutside
	MotionActionPointerDown
	MotionActionPointerUp

	MotionActionMask             int32 = 0xff
	MotionActionPointerIndexMask int32 = 0xff00
)

// MotionActionPointerIndexShift positions the pointer index within Action.
const MotionActionPointerIndexShift = 8

// Motion flags.
const (
	MotionFlagWindowIsObscured int32 = 0x1
)

// Sources.
const (
	SourceUnknown     uint32 = 0
	SourceKeyboard    uint32 = 0x00000101
	SourceDpad        uint32 = 0x00000201
	SourceTouchscreen uint32 = 0x00001002
	SourceMouse       uint32 = 0x00002002
	SourceTrackball   uint32 = 0x00010004
	SourceTouchpad    uint32 = 0x00100008
)

// MaxPointers bounds the number of pointers in one motion event.
const (
	MaxPointers  = 16
	MaxPointerID = 31
)

// Event is either a *KeyEvent or a *MotionEvent.
type Event interface {
	eventTime() Nanos
}

// KeyEvent is a key press, release or multiple-press report.
type KeyEvent struct {
	DeviceID    int32  `json:"device_id"`
	Source      uint32 `json:"source"`
	Action      int32  `json:"action"`
	Flags       int32  `json:"flags"`
	KeyCode     int32  `json:"key_code"`
	ScanCode    int32  `json:"scan_code"`
	MetaState   int32  `json:"meta_state"`
	RepeatCount int32  `json:"repeat_count"`
	DownTime    Nanos  `json:"down_time"`
	EventTime   Nanos  `json:"event_time"`
}

func (k *KeyEvent) eventTime() Nanos { return k.EventTime }

// PointerCoords is the per-pointer axis state of one sample.
type PointerCoords struct {
	X           float32 `json:"x"`
	Y           float32 `json:"y"`
	Pressure    float32 `json:"pressure"`
	Size        float32 `json:"size"`
	TouchMajor  float32 `json:"touch_major,omitempty"`
	TouchMinor  float32 `json:"touch_minor,omitempty"`
	ToolMajor   float32 `json:"tool_major,omitempty"`
	ToolMinor   float32 `json:"tool_minor,omitempty"`
	Orientation float32 `json:"orientation,omitempty"`
}

// Offset returns a copy translated by (dx, dy).
func (c PointerCoords) Offset(dx, dy float32) PointerCoords {
	c.X += dx
	c.Y += dy
	return c
}

// MotionSample holds one coordinate per pointer, in PointerIDs order.
type MotionSample struct {
	EventTime Nanos           `json:"event_time"`
	Coords    []PointerCoords `json:"coords"`
}

// MotionEvent is a pointer report. Samples are ordered oldest first; the last
// sample is the current position.
type MotionEvent struct {
	DeviceID   int32          `json:"device_id"`
	Source     uint32         `json:"source"`
	Action     int32          `json:"action"`
	Flags      int32          `json:"flags"`
	MetaState  int32          `json:"meta_state"`
	EdgeFlags  int32          `json:"edge_flags"`
	XPrecision float32        `json:"x_precision"`
	YPrecision float32        `json:"y_precision"`
	DownTime   Nanos          `json:"down_time"`
	PointerIDs []int32        `json:"pointer_ids"`
	Samples    []MotionSample `json:"samples"`
}

// EventTime returns the time of the most recent sample.
func (m *MotionEvent) EventTime() Nanos {
	if len(m.Samples) == 0 {
		return 0
	}
	return m.Samples[len(m.Samples)-1].EventTime
}

func (m *MotionEvent) eventTime() Nanos { return m.EventTime() }

// MaskedAction strips the pointer index from Action.
func (m *MotionEvent) MaskedAction() int32 {
	return m.Action & MotionActionMask
}

// PointerIndex returns the pointer index of a POINTER_DOWN/UP action.
func (m *MotionEvent) PointerIndex() int {
	return int((m.Action & MotionActionPointerIndexMask) >> MotionActionPointerIndexShift)
}

// Clone returns a deep copy.
func (m *MotionEvent) Clone() *MotionEvent {
	out := *m
	out.PointerIDs = append([]int32(nil), m.PointerIDs...)
	out.Samples = make([]MotionSample, len(m.Samples))
	for i, s := range m.Samples {
		out.Samples[i] = MotionSample{
			EventTime: s.EventTime,
			Coords:    append([]PointerCoords(nil), s.Coords...),
		}
	}
	return &out
}

// KeyActionString names a key action.
func KeyActionString(action int32) string {
	switch action {
	case KeyActionDown:
		return "down"
	case KeyActionUp:
		return "up"
	case KeyActionMultiple:
		return "multiple"
	default:
		return fmt.Sprintf("key_action(%d)", action)
	}
}

// MotionActionString names a motion action, ignoring the pointer index.
func MotionActionString(action int32) string {
	switch action & MotionActionMask {
	case MotionActionDown:
		return "down"
	case MotionActionUp:
		return "up"
	case MotionActionMove:
		return "move"
	case MotionActionCancel:
		return "cancel"
	case MotionActionOutside:
		return "outside"
	case MotionActionPointerDown:
		return "pointer_down"
	case MotionActionPointerUp:
		return "pointer_up"
	default:
		return fmt.Sprintf("motion_action(%d)", action)
	}
}
