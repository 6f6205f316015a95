package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/protocol"
)

const helloTimeout = 5 * time.Second

// Registrar accepts channels for delivery.
type Registrar interface {
	RegisterInputChannel(ch dispatch.Channel) error
	UnregisterInputChannel(ch dispatch.Channel) error
}

// Binder attaches a channel to the policy window of the same name.
type Binder interface {
	BindChannel(window string, ch dispatch.Channel) bool
	UnbindChannel(ch dispatch.Channel)
}

// Listener accepts remote consumers on a unix socket.
type Listener struct {
	path      string
	samples   int
	registrar Registrar
	binder    Binder
	logger    *slog.Logger

	mu      sync.Mutex
	sockets map[*Socket]struct{}
	ln      net.Listener
	wg      sync.WaitGroup
}

// NewListener creates a listener on path. binder may be nil.
func NewListener(path string, samples int, registrar Registrar, binder Binder, logger *slog.Logger) *Listener {
	return &Listener{
		path:      path,
		samples:   samples,
		registrar: registrar,
		binder:    binder,
		logger:    logger,
		sockets:   make(map[*Socket]struct{}),
	}
}

// Listen binds the socket, replacing a stale socket file.
func (l *Listener) Listen() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

// Addr is the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts consumers until ctx is cancelled, then closes every
// connection it accepted. Listen is called first if needed.
func (l *Listener) Serve(ctx context.Context) error {
	if l.Addr() == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	l.logger.Info("channel listener starting", "socket", l.path)

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		l.ln.Close()
		l.mu.Unlock()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.shutdown()
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) shutdown() {
	l.logger.Info("channel listener shutting down")
	l.mu.Lock()
	for s := range l.sockets {
		s.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
	os.Remove(l.path)
}

// handle reads the hello frame, registers the consumer and unregisters it
// when the peer hangs up.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	r := protocol.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	f, err := r.Next()
	if err == nil && f.Type != protocol.TypeHello {
		err = fmt.Errorf("expected hello frame, got %s", f.Type)
	}
	if err != nil {
		l.logger.Warn("rejecting consumer", "error", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	name := f.Hello.Name
	logger := l.logger.With("channel", name)
	if cred, err := peerCredentials(conn); err == nil {
		logger = logger.With("peer_uid", cred.UID, "peer_pid", cred.PID)
	} else {
		logger.Debug("peer credentials unavailable", "error", err)
	}

	s := newSocket(name, conn, r, l.samples)
	if err := l.registrar.RegisterInputChannel(s); err != nil {
		logger.Warn("register consumer failed", "error", err)
		s.Close()
		return
	}
	bound := l.binder != nil && l.binder.BindChannel(name, s)
	logger.Info("consumer connected", "bound", bound)

	l.mu.Lock()
	l.sockets[s] = struct{}{}
	l.mu.Unlock()

	select {
	case <-s.Done():
	case <-ctx.Done():
	}

	if err := l.registrar.UnregisterInputChannel(s); err != nil && !errors.Is(err, dispatch.ErrNotRegistered) {
		logger.Warn("unregister consumer failed", "error", err)
	}
	if l.binder != nil {
		l.binder.UnbindChannel(s)
	}
	s.Close()

	l.mu.Lock()
	delete(l.sockets, s)
	l.mu.Unlock()
	logger.Info("consumer disconnected")
}

// Credentials identify the process on the other end of a unix socket.
type Credentials struct {
	UID int32
	PID int32
}
