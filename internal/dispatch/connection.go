package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/inputd/internal/log"
	"github.com/mattjoyce/inputd/internal/queue"
)

// ConnectionStatus is the delivery state of a registered channel.
type ConnectionStatus int

const (
	// StatusNormal: deliveries proceed.
	StatusNormal ConnectionStatus = iota
	// StatusBroken: the channel failed; nothing more is sent.
	StatusBroken
	// StatusNotResponding: a dispatch cycle overran its timeout.
	StatusNotResponding
	// StatusZombie: unregistered; kept only by stale references.
	StatusZombie
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusBroken:
		return "broken"
	case StatusNotResponding:
		return "not_responding"
	case StatusZombie:
		return "zombie"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// connection is the dispatcher's bookkeeping for one channel. All fields
// are guarded by the dispatcher lock.
type connection struct {
	ch     Channel
	status ConnectionStatus
	// outbound holds dispatch entry handles, head first.
	outbound queue.Queue[handle]
	active   bool

	// nextTimeout is the deadline of the current cycle; zero when unarmed.
	nextTimeout      time.Time
	lastEventTime    int64
	lastDispatchTime time.Time
	lastANRTime      time.Time

	stop   chan struct{}
	logger *slog.Logger
}

func newConnection(ch Channel) *connection {
	return &connection{
		ch:     ch,
		status: StatusNormal,
		stop:   make(chan struct{}),
		logger: log.WithChannel(ch.Name()),
	}
}

// receiving reports whether completion signals are still read.
func (c *connection) receiving() bool {
	return c.status == StatusNormal || c.status == StatusNotResponding
}

// ConnectionInfo is a point-in-time copy of a connection's state.
type ConnectionInfo struct {
	Name             string    `json:"name"`
	Token            string    `json:"token"`
	Status           string    `json:"status"`
	Active           bool      `json:"active"`
	OutboundDepth    int       `json:"outbound_depth"`
	NextTimeout      time.Time `json:"next_timeout,omitzero"`
	LastEventTime    int64     `json:"last_event_time"`
	LastDispatchTime time.Time `json:"last_dispatch_time,omitzero"`
	LastANRTime      time.Time `json:"last_anr_time,omitzero"`
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		Name:             c.ch.Name(),
		Token:            c.ch.Token(),
		Status:           c.status.String(),
		Active:           c.active,
		OutboundDepth:    c.outbound.Len(),
		NextTimeout:      c.nextTimeout,
		LastEventTime:    c.lastEventTime,
		LastDispatchTime: c.lastDispatchTime,
		LastANRTime:      c.lastANRTime,
	}
}
