package channel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/google/uuid"

	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/protocol"
)

const finishedQueueSize = 64

// Socket is the daemon side of a stream connection to a remote consumer.
// The publication is buffered locally and written as one frame by
// SendDispatchSignal; completion frames are read by a reader goroutine.
type Socket struct {
	name    string
	token   string
	samples int
	conn    net.Conn

	mu  sync.Mutex
	pub publication
	w   *bufio.Writer

	finished *lfq.SPSC[bool]
	ready    chan struct{}
	done     chan struct{}
	readErr  error

	closeOnce sync.Once
}

// newSocket wraps conn, reading completions from r. samples <= 0 uses
// DefaultPublicationSamples.
func newSocket(name string, conn net.Conn, r *protocol.Reader, samples int) *Socket {
	if samples <= 0 {
		samples = DefaultPublicationSamples
	}
	s := &Socket{
		name:     name,
		token:    uuid.NewString(),
		samples:  samples,
		conn:     conn,
		w:        bufio.NewWriter(conn),
		finished: lfq.NewSPSC[bool](finishedQueueSize),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

// readLoop queues completion frames until the peer hangs up or sends
// something other than a completion.
func (s *Socket) readLoop(r *protocol.Reader) {
	defer close(s.ready)
	defer close(s.done)

	var bo iox.Backoff
	for {
		f, err := r.Next()
		if err != nil {
			s.readErr = err
			return
		}
		if f.Type != protocol.TypeFinished {
			s.readErr = fmt.Errorf("unexpected %s frame from consumer", f.Type)
			return
		}

		v := f.Finished.Handled
		for {
			err := s.finished.Enqueue(&v)
			if err == nil {
				break
			}
			if !lfq.IsWouldBlock(err) {
				s.readErr = err
				return
			}
			bo.Wait()
		}
		bo.Reset()

		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

func (s *Socket) Name() string  { return s.name }
func (s *Socket) Token() string { return s.token }

// Done is closed when the reader stops.
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) PublishKeyEvent(ev *input.KeyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub.setKey(ev)
	return nil
}

func (s *Socket) PublishMotionEvent(ev *input.MotionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub.setMotion(ev)
	return nil
}

func (s *Socket) AppendMotionSample(sample input.MotionSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pub.append(sample, s.samples)
}

// SendDispatchSignal writes the publication; further appends return
// dispatch.ErrConsumed until Reset.
func (s *Socket) SendDispatchSignal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f *protocol.Frame
	switch {
	case s.pub.key != nil:
		f = protocol.KeyFrame(s.pub.key)
	case s.pub.motion != nil:
		f = protocol.MotionFrame(s.pub.motion)
	default:
		return errors.New("nothing published")
	}

	if err := protocol.EncodeFrame(s.w, f); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.pub.consumed = true
	return nil
}

// ReceiveFinishedSignal returns iox.ErrWouldBlock while nothing is queued
// and the reader's error (io.EOF on hang-up) once it stopped.
func (s *Socket) ReceiveFinishedSignal() (bool, error) {
	if v, err := s.finished.Dequeue(); err == nil {
		return v, nil
	}
	select {
	case <-s.done:
		if v, err := s.finished.Dequeue(); err == nil {
			return v, nil
		}
		if s.readErr != nil {
			return false, s.readErr
		}
		return false, io.EOF
	default:
		return false, iox.ErrWouldBlock
	}
}

func (s *Socket) Reset() error {
	s.mu.Lock()
	s.pub = publication{}
	s.mu.Unlock()
	return nil
}

func (s *Socket) Ready() <-chan struct{} { return s.ready }

func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
