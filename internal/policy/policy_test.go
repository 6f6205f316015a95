package policy

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/events"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type stubChannel struct{ name string }

func (c *stubChannel) Name() string                                { return c.name }
func (c *stubChannel) Token() string                               { return "tok-" + c.name }
func (c *stubChannel) PublishKeyEvent(*input.KeyEvent) error       { return nil }
func (c *stubChannel) PublishMotionEvent(*input.MotionEvent) error { return nil }
func (c *stubChannel) AppendMotionSample(input.MotionSample) error { return nil }
func (c *stubChannel) SendDispatchSignal() error                   { return nil }
func (c *stubChannel) ReceiveFinishedSignal() (bool, error)        { return false, nil }
func (c *stubChannel) Reset() error                                { return nil }
func (c *stubChannel) Ready() <-chan struct{}                      { return nil }
func (c *stubChannel) Close() error                                { return nil }

func layout() config.PolicyConfig {
	return config.PolicyConfig{
		Windows: []config.WindowConfig{
			{Name: "dialog", Bounds: config.Rect{Left: 100, Top: 100, Right: 300, Bottom: 200}, OwnerUID: 1000, Focusable: true},
			{Name: "editor", Bounds: config.Rect{Left: 0, Top: 0, Right: 800, Bottom: 600}, OwnerUID: 1000, Focusable: true, DispatchTimeout: 2 * time.Second},
			{Name: "overlay", Bounds: config.Rect{Left: 0, Top: 580, Right: 800, Bottom: 600}, OwnerUID: 1001, WatchOutside: true},
		},
		Focused:       "editor",
		Injectors:     []int32{2000},
		ANRExtensions: 2,
		ANRExtension:  time.Second,
	}
}

func newPolicy(t *testing.T, cfg config.PolicyConfig) (*WindowPolicy, map[string]*stubChannel) {
	t.Helper()
	p, err := New(cfg, config.DefaultDispatch(), events.NewHub(16))
	require.NoError(t, err)
	p.selfUID = 999
	chans := make(map[string]*stubChannel)
	for _, w := range cfg.Windows {
		ch := &stubChannel{name: w.Name}
		require.True(t, p.BindChannel(w.Name, ch))
		chans[w.Name] = ch
	}
	return p, chans
}

func down(x, y float32) *input.MotionEvent {
	return motion(input.MotionActionDown, x, y)
}

func motion(action int32, x, y float32) *input.MotionEvent {
	return &input.MotionEvent{
		DeviceID:   3,
		Source:     input.SourceTouchscreen,
		Action:     action,
		PointerIDs: []int32{0},
		Samples:    []input.MotionSample{{EventTime: 1, Coords: []input.PointerCoords{{X: x, Y: y}}}},
	}
}

func TestKeysGoToFocusedWindow(t *testing.T) {
	p, chans := newPolicy(t, layout())

	res, targets := p.WaitForKeyEventTargets(&input.KeyEvent{}, dispatch.PolicyFlagTrusted, -1, -1)
	require.Equal(t, input.InjectionSucceeded, res)
	require.Len(t, targets, 1)
	assert.Same(t, chans["editor"], targets[0].Channel)
	assert.Equal(t, dispatch.TargetSync, targets[0].Flags)
	assert.Equal(t, 2*time.Second, targets[0].Timeout)
}

func TestKeysFailWithoutFocus(t *testing.T) {
	cfg := layout()
	cfg.Focused = ""
	p, _ := newPolicy(t, cfg)

	res, targets := p.WaitForKeyEventTargets(&input.KeyEvent{}, 0, -1, -1)
	assert.Equal(t, input.InjectionFailed, res)
	assert.Empty(t, targets)
}

func TestKeysFailWhenFocusedWindowUnbound(t *testing.T) {
	p, chans := newPolicy(t, layout())
	p.UnbindChannel(chans["editor"])

	res, _ := p.WaitForKeyEventTargets(&input.KeyEvent{}, 0, -1, -1)
	assert.Equal(t, input.InjectionFailed, res)
}

func TestInjectionPermissions(t *testing.T) {
	p, _ := newPolicy(t, layout())

	tests := []struct {
		name string
		uid  int32
		want input.InjectionResult
	}{
		{name: "root", uid: 0, want: input.InjectionSucceeded},
		{name: "daemon", uid: 999, want: input.InjectionSucceeded},
		{name: "owner", uid: 1000, want: input.InjectionSucceeded},
		{name: "listed injector", uid: 2000, want: input.InjectionSucceeded},
		{name: "stranger", uid: 4242, want: input.InjectionPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, targets := p.WaitForKeyEventTargets(&input.KeyEvent{}, dispatch.PolicyFlagInjected, 10, tt.uid)
			assert.Equal(t, tt.want, res)
			if tt.want != input.InjectionSucceeded {
				assert.Empty(t, targets)
			}
		})
	}
}

func TestTouchHitsTopmostWindow(t *testing.T) {
	p, chans := newPolicy(t, layout())

	res, targets := p.WaitForMotionEventTargets(down(150, 150), dispatch.PolicyFlagTrusted, -1, -1)
	require.Equal(t, input.InjectionSucceeded, res)
	require.Len(t, targets, 2)
	assert.Same(t, chans["dialog"], targets[0].Channel)
	assert.Equal(t, float32(-100), targets[0].XOffset)
	assert.Equal(t, float32(-100), targets[0].YOffset)
	assert.Equal(t, dispatch.TargetFlags(0), targets[0].Flags)

	assert.Same(t, chans["overlay"], targets[1].Channel)
	assert.Equal(t, dispatch.TargetOutside, targets[1].Flags)
}

func TestGestureStaysWithDownWindow(t *testing.T) {
	p, chans := newPolicy(t, layout())

	_, targets := p.WaitForMotionEventTargets(down(150, 150), 0, -1, -1)
	require.Same(t, chans["dialog"], targets[0].Channel)

	// Moving outside the dialog keeps delivering to it.
	_, targets = p.WaitForMotionEventTargets(motion(input.MotionActionMove, 500, 400), 0, -1, -1)
	require.Len(t, targets, 1)
	assert.Same(t, chans["dialog"], targets[0].Channel)

	_, targets = p.WaitForMotionEventTargets(motion(input.MotionActionUp, 500, 400), 0, -1, -1)
	require.Len(t, targets, 1)
	assert.Same(t, chans["dialog"], targets[0].Channel)

	// Gesture over; hover goes by hit test again.
	_, targets = p.WaitForMotionEventTargets(motion(input.MotionActionMove, 500, 400), 0, -1, -1)
	require.Len(t, targets, 1)
	assert.Same(t, chans["editor"], targets[0].Channel)
}

func TestTouchOutsideAllWindowsFails(t *testing.T) {
	p, _ := newPolicy(t, layout())

	res, targets := p.WaitForMotionEventTargets(down(900, 900), 0, -1, -1)
	assert.Equal(t, input.InjectionFailed, res)
	assert.Empty(t, targets)
}

func TestRightAndBottomEdgesAreExclusive(t *testing.T) {
	p, chans := newPolicy(t, layout())

	_, targets := p.WaitForMotionEventTargets(down(300, 150), 0, -1, -1)
	require.NotEmpty(t, targets)
	assert.Same(t, chans["editor"], targets[0].Channel)
}

func TestANRExtensionBudget(t *testing.T) {
	p, chans := newPolicy(t, layout())
	ch := chans["editor"]

	for i := 0; i < 2; i++ {
		resume, timeout := p.NotifyInputChannelANR(ch)
		require.True(t, resume, "extension %d", i)
		assert.Equal(t, time.Second, timeout)
	}
	resume, _ := p.NotifyInputChannelANR(ch)
	assert.False(t, resume)

	res, _ := p.WaitForKeyEventTargets(&input.KeyEvent{}, 0, -1, -1)
	assert.Equal(t, input.InjectionFailed, res, "abandoned channel is unbound")
}

func TestRecoveryResetsANRBudget(t *testing.T) {
	p, chans := newPolicy(t, layout())
	ch := chans["editor"]

	p.NotifyInputChannelANR(ch)
	p.NotifyInputChannelANR(ch)
	p.NotifyInputChannelRecoveredFromANR(ch)

	resume, _ := p.NotifyInputChannelANR(ch)
	assert.True(t, resume)
}

func TestBrokenChannelIsUnbound(t *testing.T) {
	p, chans := newPolicy(t, layout())
	p.NotifyInputChannelBroken(chans["dialog"])

	for _, w := range p.Windows() {
		if w.Name == "dialog" {
			assert.Empty(t, w.Channel)
		}
	}
}

func TestFocusChanges(t *testing.T) {
	hub := events.NewHub(16)
	p, err := New(layout(), config.DefaultDispatch(), hub)
	require.NoError(t, err)
	sub, cancel := hub.Subscribe(4)
	defer cancel()

	require.NoError(t, p.SetFocus("dialog"))
	assert.Equal(t, "dialog", p.Focused())

	select {
	case ev := <-sub:
		assert.Equal(t, events.FocusChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no focus event")
	}

	assert.ErrorIs(t, p.SetFocus("overlay"), ErrNotFocusable)
	assert.ErrorIs(t, p.SetFocus("missing"), ErrUnknownWindow)
	assert.Equal(t, "dialog", p.Focused())
}

func TestWindowLifecycle(t *testing.T) {
	p, _ := newPolicy(t, layout())

	assert.ErrorIs(t, p.AddWindow(config.WindowConfig{Name: "editor"}), ErrDuplicateWindow)
	require.NoError(t, p.AddWindow(config.WindowConfig{Name: "status", Focusable: true}))
	assert.Len(t, p.Windows(), 4)

	require.NoError(t, p.RemoveWindow("editor"))
	assert.Equal(t, "", p.Focused())
	assert.ErrorIs(t, p.RemoveWindow("editor"), ErrUnknownWindow)
	assert.False(t, p.BindChannel("editor", &stubChannel{name: "x"}))
}

func TestKeyRepeatTimeout(t *testing.T) {
	cfg := layout()
	p, err := New(cfg, config.DefaultDispatch(), nil)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultDispatch().KeyRepeatTimeout, p.GetKeyRepeatTimeout())

	off := false
	cfg.KeyRepeat = &off
	p, err = New(cfg, config.DefaultDispatch(), nil)
	require.NoError(t, err)
	assert.Zero(t, p.GetKeyRepeatTimeout())
}

func TestConfigurationChangesAreBounded(t *testing.T) {
	p, _ := newPolicy(t, layout())
	for i := int64(0); i < configLogSize+4; i++ {
		p.NotifyConfigurationChanged(i)
	}
	changes := p.ConfigurationChanges()
	require.Len(t, changes, configLogSize)
	assert.Equal(t, int64(4), changes[0])
}
