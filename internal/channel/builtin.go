package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/input"
)

// ServeBuiltin attaches an in-process consumer to the named window over a
// pipe. Every event it receives is logged and acknowledged as handled. It
// returns nil once the pipe is closed from the dispatcher side and
// ctx.Err() on cancellation; the channel is unregistered either way.
func ServeBuiltin(ctx context.Context, name string, samples int, registrar Registrar, binder Binder, logger *slog.Logger) error {
	pub, con := NewPipe(name, samples)
	if err := registrar.RegisterInputChannel(pub); err != nil {
		pub.Close()
		return fmt.Errorf("register builtin %s: %w", name, err)
	}
	logger = logger.With("channel", name)
	bound := binder != nil && binder.BindChannel(name, pub)
	logger.Info("builtin consumer attached", "bound", bound)

	defer func() {
		if err := registrar.UnregisterInputChannel(pub); err != nil && !errors.Is(err, dispatch.ErrNotRegistered) {
			logger.Warn("unregister builtin consumer failed", "error", err)
		}
		if binder != nil {
			binder.UnbindChannel(pub)
		}
		pub.Close()
	}()

	for {
		ev, err := con.Receive(ctx)
		if errors.Is(err, io.EOF) {
			logger.Info("builtin consumer detached")
			return nil
		}
		if err != nil {
			return err
		}

		logReceived(logger, ev)
		if err := con.Finish(true); err != nil {
			if errors.Is(err, ErrClosed) {
				logger.Info("builtin consumer detached")
				return nil
			}
			return err
		}
	}
}

func logReceived(logger *slog.Logger, ev input.Event) {
	switch e := ev.(type) {
	case *input.KeyEvent:
		logger.Debug("key received",
			"action", input.KeyActionString(e.Action),
			"key_code", e.KeyCode,
			"repeat", e.RepeatCount,
		)
	case *input.MotionEvent:
		logger.Debug("motion received",
			"action", input.MotionActionString(e.Action),
			"pointers", len(e.PointerIDs),
			"samples", len(e.Samples),
		)
	}
}
