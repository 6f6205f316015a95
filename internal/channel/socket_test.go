package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
	"github.com/mattjoyce/inputd/internal/protocol"
)

func waitReady(t *testing.T, ch dispatch.Channel) {
	t.Helper()
	select {
	case <-ch.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("channel never became ready")
	}
}

// newSocketPair returns a Socket and the connected consumer end of a unix
// socketpair.
func newSocketPair(name string, samples int) (*Socket, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	local, err := fileConn(fds[0], name+"-daemon")
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	remote, err := fileConn(fds[1], name+"-consumer")
	if err != nil {
		local.Close()
		return nil, nil, err
	}
	return newSocket(name, local, protocol.NewReader(local), samples), remote, nil
}

func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("file conn %s: %w", name, err)
	}
	return conn, nil
}

func TestSocketPairRoundTrip(t *testing.T) {
	s, remote, err := newSocketPair("canvas", 4)
	require.NoError(t, err)
	defer s.Close()
	c := newClient(remote)
	defer c.Close()

	_, err = s.ReceiveFinishedSignal()
	assert.True(t, iox.IsWouldBlock(err))

	require.NoError(t, s.PublishMotionEvent(touch(input.MotionActionDown, 1, 1)))
	require.NoError(t, s.AppendMotionSample(sample(2, 2)))
	require.NoError(t, s.SendDispatchSignal())
	assert.ErrorIs(t, s.AppendMotionSample(sample(3, 3)), dispatch.ErrConsumed)

	ev, err := c.Receive()
	require.NoError(t, err)
	motion, ok := ev.(*input.MotionEvent)
	require.True(t, ok)
	require.Len(t, motion.Samples, 2)
	assert.Equal(t, float32(2), motion.Samples[1].Coords[0].X)

	require.NoError(t, c.Finish(false))
	waitReady(t, s)
	handled, err := s.ReceiveFinishedSignal()
	require.NoError(t, err)
	assert.False(t, handled)

	require.NoError(t, s.Reset())
	require.NoError(t, s.PublishKeyEvent(&input.KeyEvent{KeyCode: 4}))
	require.NoError(t, s.SendDispatchSignal())
	ev, err = c.Receive()
	require.NoError(t, err)
	assert.Equal(t, int32(4), ev.(*input.KeyEvent).KeyCode)
}

func TestSocketHangUp(t *testing.T) {
	s, remote, err := newSocketPair("gone", 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, remote.Close())
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}
	_, ok := <-s.Ready()
	assert.False(t, ok)

	_, err = s.ReceiveFinishedSignal()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestSocketRejectsUnexpectedFrames(t *testing.T) {
	s, remote, err := newSocketPair("chatty", 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = NewClient(remote, "chatty")
	require.NoError(t, err)
	<-s.Done()

	_, err = s.ReceiveFinishedSignal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected hello frame")
}

type recordingRegistrar struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (r *recordingRegistrar) RegisterInputChannel(ch dispatch.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, ch.Name())
	return nil
}

func (r *recordingRegistrar) UnregisterInputChannel(ch dispatch.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, ch.Name())
	return nil
}

func (r *recordingRegistrar) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered), len(r.unregistered)
}

type recordingBinder struct {
	mu      sync.Mutex
	bound   map[string]dispatch.Channel
	unbound int
}

func (b *recordingBinder) BindChannel(window string, ch dispatch.Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if window != "editor" {
		return false
	}
	b.bound[window] = ch
	return true
}

func (b *recordingBinder) UnbindChannel(dispatch.Channel) {
	b.mu.Lock()
	b.unbound++
	b.mu.Unlock()
}

func TestListenerRegistersConsumers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.sock")
	reg := &recordingRegistrar{}
	binder := &recordingBinder{bound: make(map[string]dispatch.Channel)}
	l := NewListener(path, 0, reg, binder, log.WithComponent("channel"))
	require.NoError(t, l.Listen())
	require.NotNil(t, l.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Serve(ctx) }()

	c, err := Dial(ctx, path, "editor")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := reg.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	binder.mu.Lock()
	assert.Contains(t, binder.bound, "editor")
	binder.mu.Unlock()

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		_, n := reg.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestListenerDropsMisbehavingConsumer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.sock")
	reg := &recordingRegistrar{}
	l := NewListener(path, 0, reg, nil, log.WithComponent("channel"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	require.Eventually(t, func() bool { return l.Addr() != nil }, time.Second, 5*time.Millisecond)

	c, err := Dial(ctx, path, "x")
	require.NoError(t, err)
	// A second hello is not a valid completion; the consumer is dropped.
	require.NoError(t, c.send(protocol.HelloFrame("x")))
	require.Eventually(t, func() bool {
		_, n := reg.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
}
