package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
	"github.com/mattjoyce/inputd/internal/policy"
)

func TestBuiltinAcknowledgesEvents(t *testing.T) {
	windows, err := policy.New(config.PolicyConfig{
		Windows: []config.WindowConfig{{
			Name:      "echo",
			OwnerUID:  1,
			Focusable: true,
			Bounds:    config.Rect{Right: 100, Bottom: 100},
		}},
		Focused: "echo",
	}, config.DefaultDispatch(), nil)
	require.NoError(t, err)
	d := dispatch.New(windows, config.DefaultDispatch(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() { errCh <- ServeBuiltin(ctx, "echo", 0, d, windows, log.WithComponent("channel")) }()

	require.Eventually(t, func() bool {
		return windows.Windows()[0].Channel == "echo"
	}, 2*time.Second, 5*time.Millisecond)

	now := input.Now()
	ev := &input.KeyEvent{Action: input.KeyActionDown, KeyCode: 42, DownTime: now, EventTime: now}
	res := d.InjectInputEvent(ctx, ev, 1, 1, input.SyncWaitForFinished, 2*time.Second)
	assert.Equal(t, input.InjectionSucceeded, res)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("builtin consumer did not stop")
	}
	assert.Empty(t, d.Snapshot().Connections)
	assert.Empty(t, windows.Windows()[0].Channel)
}

type refusingRegistrar struct{}

func (refusingRegistrar) RegisterInputChannel(dispatch.Channel) error {
	return dispatch.ErrAlreadyRegistered
}

func (refusingRegistrar) UnregisterInputChannel(dispatch.Channel) error {
	return errors.New("not expected")
}

func TestBuiltinRegistrationFailure(t *testing.T) {
	err := ServeBuiltin(context.Background(), "echo", 0, refusingRegistrar{}, nil, log.WithComponent("channel"))
	assert.ErrorIs(t, err, dispatch.ErrAlreadyRegistered)
}
