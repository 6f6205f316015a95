// Package channel implements dispatch.Channel transports: an in-process
// pipe and a stream socket speaking the frame protocol.
package channel

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/input"
)

// ErrClosed is returned once either side has closed the channel.
var ErrClosed = errors.New("channel closed")

// DefaultPublicationSamples caps the samples one motion publication holds.
const DefaultPublicationSamples = 16

// publication is the single event slot of a channel.
type publication struct {
	key      *input.KeyEvent
	motion   *input.MotionEvent
	consumed bool
}

func (p *publication) setKey(ev *input.KeyEvent) {
	k := *ev
	*p = publication{key: &k}
}

func (p *publication) setMotion(ev *input.MotionEvent) {
	*p = publication{motion: ev.Clone()}
}

func (p *publication) append(s input.MotionSample, limit int) error {
	if p.motion == nil {
		return errors.New("no motion event published")
	}
	if p.consumed {
		return dispatch.ErrConsumed
	}
	if len(p.motion.Samples) >= limit {
		return dispatch.ErrNoMemory
	}
	if len(s.Coords) != len(p.motion.PointerIDs) {
		return fmt.Errorf("%w: sample has %d coords for %d pointers",
			input.ErrInvalidEvent, len(s.Coords), len(p.motion.PointerIDs))
	}
	p.motion.Samples = append(p.motion.Samples, input.MotionSample{
		EventTime: s.EventTime,
		Coords:    append([]input.PointerCoords(nil), s.Coords...),
	})
	return nil
}

// event returns a copy of the published event.
func (p *publication) event() (input.Event, error) {
	switch {
	case p.key != nil:
		k := *p.key
		return &k, nil
	case p.motion != nil:
		return p.motion.Clone(), nil
	default:
		return nil, errors.New("nothing published")
	}
}
