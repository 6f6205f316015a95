package dispatch

import (
	"errors"
	"time"

	"github.com/mattjoyce/inputd/internal/input"
)

// Channel transport errors the dispatcher reacts to. Transports return
// these (possibly wrapped); would-block is reported with iox.ErrWouldBlock.
var (
	// ErrNoMemory means the in-flight publication cannot take another sample.
	ErrNoMemory = errors.New("channel: publication full")
	// ErrConsumed means the consumer already read the in-flight publication.
	ErrConsumed = errors.New("channel: publication consumed")
)

// Registration errors.
var (
	ErrAlreadyRegistered = errors.New("input channel already registered")
	ErrNotRegistered     = errors.New("input channel not registered")
)

//go:generate mockgen -destination=mocks/mock_contracts.go -package=mocks github.com/mattjoyce/inputd/internal/dispatch Policy,Tracer

// Channel is the producer side of a point-to-point link to one consumer.
// The publishing methods are called with the dispatcher lock held.
type Channel interface {
	// Name is a human readable label.
	Name() string
	// Token identifies the receiving side; connections are keyed by it.
	Token() string

	PublishKeyEvent(ev *input.KeyEvent) error
	PublishMotionEvent(ev *input.MotionEvent) error
	// AppendMotionSample adds a sample to the in-flight motion publication.
	// It returns ErrNoMemory or ErrConsumed when the sample must wait for
	// the next cycle.
	AppendMotionSample(s input.MotionSample) error
	SendDispatchSignal() error
	// ReceiveFinishedSignal returns the next completion signal, or a
	// would-block error when none is pending.
	ReceiveFinishedSignal() (handled bool, err error)
	// Reset clears the publication after a completion.
	Reset() error
	// Ready fires when a completion signal may be pending. It is closed on
	// hang-up.
	Ready() <-chan struct{}
	Close() error
}

// TargetFlags modify how an event is delivered to one target.
type TargetFlags uint32

const (
	// TargetSync holds back further inbound events until this delivery
	// completes or is preempted.
	TargetSync TargetFlags = 1 << iota
	// TargetOutside delivers a motion event as OUTSIDE.
	TargetOutside
	// TargetCancel delivers a motion event as CANCEL.
	TargetCancel
)

// InputTarget is a policy decision about one recipient of an event.
type InputTarget struct {
	Channel Channel
	Flags   TargetFlags
	// Timeout bounds the dispatch cycle; zero uses the configured default.
	Timeout time.Duration
	// XOffset and YOffset translate screen coordinates into the target's.
	XOffset float32
	YOffset float32
}

// PolicyFlags accompany an event from its producer to the policy.
type PolicyFlags uint32

const (
	// PolicyFlagTrusted marks events from a real device.
	PolicyFlagTrusted PolicyFlags = 1 << iota
	// PolicyFlagInjected marks events from InjectInputEvent.
	PolicyFlagInjected
	// PolicyFlagDisableKeyRepeat stops a key down from starting repeat.
	PolicyFlagDisableKeyRepeat
)

// Policy makes target and lifecycle decisions. The dispatcher never calls it
// with its lock held, so implementations may call back into the dispatcher.
// Events passed in are copies owned by the callee for the call's duration.
type Policy interface {
	NotifyConfigurationChanged(eventTime int64)
	NotifyInputChannelBroken(ch Channel)
	// NotifyInputChannelANR returns resume=true with a new timeout to keep
	// waiting, or resume=false to abandon the channel.
	NotifyInputChannelANR(ch Channel) (resume bool, newTimeout time.Duration)
	NotifyInputChannelRecoveredFromANR(ch Channel)
	// GetKeyRepeatTimeout returns the first repeat delay; <= 0 disables
	// repeat.
	GetKeyRepeatTimeout() time.Duration
	WaitForKeyEventTargets(ev *input.KeyEvent, flags PolicyFlags, injectorPID, injectorUID int32) (input.InjectionResult, []InputTarget)
	WaitForMotionEventTargets(ev *input.MotionEvent, flags PolicyFlags, injectorPID, injectorUID int32) (input.InjectionResult, []InputTarget)
}

// Tracer observes resolution and completion. It is called with the
// dispatcher lock held and must neither block nor call back.
type Tracer interface {
	EventResolved(rec ResolvedRecord)
	DispatchFinished(rec FinishedRecord)
}

// ResolvedRecord describes the outcome of target resolution for one inbound
// event.
type ResolvedRecord struct {
	Seq         uint64
	Kind        EntryKind
	Action      int32
	DeviceID    int32
	Injected    bool
	Result      input.InjectionResult
	Targets     int
	EventTime   int64
	ResolvedAt  time.Time
	DropReason  string
	InjectorUID int32
}

// FinishedRecord describes one completed dispatch cycle.
type FinishedRecord struct {
	Seq          uint64
	Channel      string
	Kind         EntryKind
	Handled      bool
	Samples      int
	EventTime    int64
	DispatchedAt time.Time
	FinishedAt   time.Time
}

// Latency is the time between publishing and the completion signal.
func (r FinishedRecord) Latency() time.Duration {
	return r.FinishedAt.Sub(r.DispatchedAt)
}
