package channel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/google/uuid"

	"github.com/mattjoyce/inputd/internal/input"
)

const signalQueueSize = 8

// pipe is the state shared by both ends of an in-process channel.
type pipe struct {
	name    string
	token   string
	samples int

	// dispatchQ carries dispatch signals to the consumer and finishedQ
	// carries completions back. Each has exactly one producer at a time.
	dispatchQ *lfq.SPSC[bool]
	finishedQ *lfq.SPSC[bool]

	mu       sync.Mutex
	pub      publication
	closed   bool
	pubReady chan struct{}
	conReady chan struct{}
}

// Publisher is the dispatcher side of a pipe.
type Publisher struct{ p *pipe }

// Consumer is the receiving side of a pipe.
type Consumer struct{ p *pipe }

// NewPipe creates a connected in-process channel. samples <= 0 uses
// DefaultPublicationSamples.
func NewPipe(name string, samples int) (*Publisher, *Consumer) {
	if samples <= 0 {
		samples = DefaultPublicationSamples
	}
	p := &pipe{
		name:      name,
		token:     uuid.NewString(),
		samples:   samples,
		dispatchQ: lfq.NewSPSC[bool](signalQueueSize),
		finishedQ: lfq.NewSPSC[bool](signalQueueSize),
		pubReady:  make(chan struct{}, 1),
		conReady:  make(chan struct{}, 1),
	}
	return &Publisher{p: p}, &Consumer{p: p}
}

// notifyLocked pokes a readiness channel unless the pipe is closed.
func (p *pipe) notifyLocked(ch chan struct{}) {
	if p.closed {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *pipe) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.pubReady)
	close(p.conReady)
	return nil
}

func (p *pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (pub *Publisher) Name() string  { return pub.p.name }
func (pub *Publisher) Token() string { return pub.p.token }

func (pub *Publisher) PublishKeyEvent(ev *input.KeyEvent) error {
	pub.p.mu.Lock()
	defer pub.p.mu.Unlock()
	if pub.p.closed {
		return ErrClosed
	}
	pub.p.pub.setKey(ev)
	return nil
}

func (pub *Publisher) PublishMotionEvent(ev *input.MotionEvent) error {
	pub.p.mu.Lock()
	defer pub.p.mu.Unlock()
	if pub.p.closed {
		return ErrClosed
	}
	pub.p.pub.setMotion(ev)
	return nil
}

func (pub *Publisher) AppendMotionSample(s input.MotionSample) error {
	pub.p.mu.Lock()
	defer pub.p.mu.Unlock()
	if pub.p.closed {
		return ErrClosed
	}
	return pub.p.pub.append(s, pub.p.samples)
}

func (pub *Publisher) SendDispatchSignal() error {
	v := true
	if err := pub.p.dispatchQ.Enqueue(&v); err != nil {
		if lfq.IsWouldBlock(err) {
			return fmt.Errorf("dispatch signal queue full: %w", err)
		}
		return err
	}

	pub.p.mu.Lock()
	pub.p.notifyLocked(pub.p.conReady)
	pub.p.mu.Unlock()
	return nil
}

// ReceiveFinishedSignal returns iox.ErrWouldBlock when no completion is
// pending and ErrClosed after the pipe closed.
func (pub *Publisher) ReceiveFinishedSignal() (bool, error) {
	handled, err := pub.p.finishedQ.Dequeue()
	if err == nil {
		return handled, nil
	}
	if !lfq.IsWouldBlock(err) {
		return false, err
	}
	if pub.p.isClosed() {
		return false, ErrClosed
	}
	return false, iox.ErrWouldBlock
}

func (pub *Publisher) Reset() error {
	pub.p.mu.Lock()
	pub.p.pub = publication{}
	pub.p.mu.Unlock()
	return nil
}

// Ready fires when a completion was sent and is closed with the pipe.
func (pub *Publisher) Ready() <-chan struct{} { return pub.p.pubReady }

func (pub *Publisher) Close() error { return pub.p.close() }

func (c *Consumer) Name() string { return c.p.name }

// Receive waits for the next dispatch signal and returns the published
// event. It returns io.EOF once the pipe is closed.
func (c *Consumer) Receive(ctx context.Context) (input.Event, error) {
	var bo iox.Backoff
	for {
		if _, err := c.p.dispatchQ.Dequeue(); err == nil {
			c.p.mu.Lock()
			c.p.pub.consumed = true
			ev, perr := c.p.pub.event()
			c.p.mu.Unlock()
			return ev, perr
		} else if !iox.IsWouldBlock(err) {
			return nil, err
		}

		if c.p.isClosed() {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.p.conReady:
			bo.Reset()
			continue
		default:
		}
		bo.Wait()
	}
}

// Finish sends the completion signal for the last received event.
func (c *Consumer) Finish(handled bool) error {
	if c.p.isClosed() {
		return ErrClosed
	}
	v := handled
	if err := c.p.finishedQ.Enqueue(&v); err != nil {
		return fmt.Errorf("finished signal queue full: %w", err)
	}

	c.p.mu.Lock()
	c.p.notifyLocked(c.p.pubReady)
	c.p.mu.Unlock()
	return nil
}

func (c *Consumer) Close() error { return c.p.close() }
