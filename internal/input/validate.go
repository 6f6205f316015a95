package input

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid input event")

// ValidateKey checks the action of a key event.
func ValidateKey(ev *KeyEvent) error {
	switch ev.Action {
	case KeyActionDown, KeyActionUp, KeyActionMultiple:
		return nil
	default:
		return fmt.Errorf("%w: key action %d", ErrInvalidEvent, ev.Action)
	}
}

// ValidateMotion checks action, pointer ids and sample shape.
func ValidateMotion(ev *MotionEvent) error {
	n := len(ev.PointerIDs)
	if n < 1 || n > MaxPointers {
		return fmt.Errorf("%w: pointer count %d not in 1..%d", ErrInvalidEvent, n, MaxPointers)
	}

	switch ev.MaskedAction() {
	case MotionActionDown, MotionActionUp, MotionActionMove, MotionActionCancel, MotionActionOutside:
	case MotionActionPointerDown, MotionActionPointerUp:
		if idx := ev.PointerIndex(); idx >= n {
			return fmt.Errorf("%w: pointer index %d out of range", ErrInvalidEvent, idx)
		}
	default:
		return fmt.Errorf("%w: motion action %d", ErrInvalidEvent, ev.Action)
	}

	var seen uint32
	for _, id := range ev.PointerIDs {
		if id < 0 || id > MaxPointerID {
			return fmt.Errorf("%w: pointer id %d out of range", ErrInvalidEvent, id)
		}
		if seen&(1<<uint(id)) != 0 {
			return fmt.Errorf("%w: duplicate pointer id %d", ErrInvalidEvent, id)
		}
		seen |= 1 << uint(id)
	}

	if len(ev.Samples) == 0 {
		return fmt.Errorf("%w: motion event has no samples", ErrInvalidEvent)
	}
	for i, s := range ev.Samples {
		if len(s.Coords) != n {
			return fmt.Errorf("%w: sample %d has %d coords, want %d", ErrInvalidEvent, i, len(s.Coords), n)
		}
	}
	return nil
}
