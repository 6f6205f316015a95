// Package policy decides event targets from a static window layout: keys go
// to the focused window, touches to the window under the first pointer.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/dispatch"
	"github.com/mattjoyce/inputd/internal/events"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
)

var (
	ErrUnknownWindow   = errors.New("unknown window")
	ErrDuplicateWindow = errors.New("window already exists")
	ErrNotFocusable    = errors.New("window is not focusable")
)

const configLogSize = 16

// Window is one entry of the layout. Earlier windows are on top.
type Window struct {
	config.WindowConfig
	Channel dispatch.Channel
}

func (w *Window) contains(x, y float32) bool {
	b := w.Bounds
	return x >= b.Left && x < b.Right && y >= b.Top && y < b.Bottom
}

// WindowInfo is a point-in-time copy of a window.
type WindowInfo struct {
	Name         string      `json:"name"`
	Bounds       config.Rect `json:"bounds"`
	OwnerUID     int32       `json:"owner_uid"`
	Focusable    bool        `json:"focusable"`
	Focused      bool        `json:"focused"`
	WatchOutside bool        `json:"watch_outside"`
	Channel      string      `json:"channel,omitempty"`
}

// WindowPolicy implements dispatch.Policy. It never calls the dispatcher.
type WindowPolicy struct {
	hub    *events.Hub
	logger *slog.Logger

	mu               sync.Mutex
	windows          []*Window
	focused          string
	injectors        map[int32]struct{}
	selfUID          int32
	anrExtensions    int
	anrExtension     time.Duration
	anrUsed          map[string]int
	keyRepeatTimeout time.Duration
	touched          map[int32]string
	configChanges    []int64
}

// New builds a policy from config. hub may be nil.
func New(cfg config.PolicyConfig, dispatchCfg config.DispatchConfig, hub *events.Hub) (*WindowPolicy, error) {
	p := &WindowPolicy{
		hub:           hub,
		logger:        log.WithComponent("policy"),
		injectors:     make(map[int32]struct{}, len(cfg.Injectors)),
		selfUID:       int32(os.Getuid()),
		anrExtensions: cfg.ANRExtensions,
		anrExtension:  cfg.ANRExtension,
		anrUsed:       make(map[string]int),
		touched:       make(map[int32]string),
	}
	if cfg.KeyRepeatEnabled() {
		p.keyRepeatTimeout = dispatchCfg.KeyRepeatTimeout
	}
	for _, uid := range cfg.Injectors {
		p.injectors[uid] = struct{}{}
	}
	for _, w := range cfg.Windows {
		if err := p.AddWindow(w); err != nil {
			return nil, err
		}
	}
	if cfg.Focused != "" {
		if err := p.SetFocus(cfg.Focused); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *WindowPolicy) findLocked(name string) *Window {
	for _, w := range p.windows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// AddWindow places a window below the existing ones.
func (p *WindowPolicy) AddWindow(cfg config.WindowConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.findLocked(cfg.Name) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateWindow, cfg.Name)
	}
	p.windows = append(p.windows, &Window{WindowConfig: cfg})
	return nil
}

// RemoveWindow drops a window, clearing focus and gestures that named it.
func (p *WindowPolicy) RemoveWindow(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.windows {
		if w.Name != name {
			continue
		}
		p.windows = append(p.windows[:i], p.windows[i+1:]...)
		if p.focused == name {
			p.focused = ""
		}
		for dev, touched := range p.touched {
			if touched == name {
				delete(p.touched, dev)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownWindow, name)
}

// SetFocus moves key focus to a focusable window.
func (p *WindowPolicy) SetFocus(name string) error {
	p.mu.Lock()
	w := p.findLocked(name)
	switch {
	case w == nil:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWindow, name)
	case !w.Focusable:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFocusable, name)
	}
	previous := p.focused
	p.focused = name
	p.mu.Unlock()

	p.logger.Info("focus changed", "from", previous, "to", name)
	p.hub.Publish(events.FocusChanged, "", map[string]string{"from": previous, "to": name})
	return nil
}

// Focused returns the focused window name, or "".
func (p *WindowPolicy) Focused() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focused
}

// BindChannel attaches ch to the named window. It reports false when no
// such window exists.
func (p *WindowPolicy) BindChannel(window string, ch dispatch.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.findLocked(window)
	if w == nil {
		return false
	}
	w.Channel = ch
	return true
}

// UnbindChannel detaches ch from whichever window holds it.
func (p *WindowPolicy) UnbindChannel(ch dispatch.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(ch)
}

func (p *WindowPolicy) unbindLocked(ch dispatch.Channel) {
	for _, w := range p.windows {
		if w.Channel != nil && w.Channel.Token() == ch.Token() {
			w.Channel = nil
		}
	}
	delete(p.anrUsed, ch.Token())
}

// Windows returns the layout, topmost first.
func (p *WindowPolicy) Windows() []WindowInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WindowInfo, 0, len(p.windows))
	for _, w := range p.windows {
		info := WindowInfo{
			Name:         w.Name,
			Bounds:       w.Bounds,
			OwnerUID:     w.OwnerUID,
			Focusable:    w.Focusable,
			Focused:      w.Name == p.focused,
			WatchOutside: w.WatchOutside,
		}
		if w.Channel != nil {
			info.Channel = w.Channel.Name()
		}
		out = append(out, info)
	}
	return out
}

// ConfigurationChanges returns the most recent configuration change times.
func (p *WindowPolicy) ConfigurationChanges() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.configChanges...)
}

func (p *WindowPolicy) NotifyConfigurationChanged(eventTime int64) {
	p.mu.Lock()
	p.configChanges = append(p.configChanges, eventTime)
	if len(p.configChanges) > configLogSize {
		p.configChanges = p.configChanges[len(p.configChanges)-configLogSize:]
	}
	p.mu.Unlock()
	p.logger.Info("configuration changed", "event_time", eventTime)
}

func (p *WindowPolicy) NotifyInputChannelBroken(ch dispatch.Channel) {
	p.mu.Lock()
	p.unbindLocked(ch)
	p.mu.Unlock()
	p.logger.Warn("input channel broken", "channel", ch.Name())
}

// NotifyInputChannelANR extends the deadline up to the configured number of
// times per channel, then abandons it.
func (p *WindowPolicy) NotifyInputChannelANR(ch dispatch.Channel) (bool, time.Duration) {
	p.mu.Lock()
	p.anrUsed[ch.Token()]++
	used := p.anrUsed[ch.Token()]
	p.mu.Unlock()

	if used > p.anrExtensions {
		p.logger.Warn("abandoning unresponsive channel", "channel", ch.Name(), "extensions", used-1)
		p.UnbindChannel(ch)
		return false, 0
	}
	p.logger.Warn("channel not responding, extending", "channel", ch.Name(),
		"extension", used, "timeout", p.anrExtension.String())
	return true, p.anrExtension
}

func (p *WindowPolicy) NotifyInputChannelRecoveredFromANR(ch dispatch.Channel) {
	p.mu.Lock()
	delete(p.anrUsed, ch.Token())
	p.mu.Unlock()
	p.logger.Info("channel recovered", "channel", ch.Name())
}

func (p *WindowPolicy) GetKeyRepeatTimeout() time.Duration {
	return p.keyRepeatTimeout
}

// mayInjectLocked reports whether uid may inject into w.
func (p *WindowPolicy) mayInjectLocked(uid int32, w *Window) bool {
	if uid == 0 || uid == p.selfUID || uid == w.OwnerUID {
		return true
	}
	_, ok := p.injectors[uid]
	return ok
}

// WaitForKeyEventTargets routes keys to the focused window.
func (p *WindowPolicy) WaitForKeyEventTargets(ev *input.KeyEvent, flags dispatch.PolicyFlags, injectorPID, injectorUID int32) (input.InjectionResult, []dispatch.InputTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.findLocked(p.focused)
	if w == nil || w.Channel == nil {
		return input.InjectionFailed, nil
	}
	if injected(flags, injectorPID, injectorUID) && !p.mayInjectLocked(injectorUID, w) {
		p.logger.Warn("injection denied", "uid", injectorUID, "pid", injectorPID, "window", w.Name)
		return input.InjectionPermissionDenied, nil
	}
	return input.InjectionSucceeded, []dispatch.InputTarget{{
		Channel: w.Channel,
		Flags:   dispatch.TargetSync,
		Timeout: w.DispatchTimeout,
	}}
}

// WaitForMotionEventTargets routes a gesture to the window its DOWN landed
// in. Windows watching for outside touches get an OUTSIDE copy of a DOWN
// that missed them.
func (p *WindowPolicy) WaitForMotionEventTargets(ev *input.MotionEvent, flags dispatch.PolicyFlags, injectorPID, injectorUID int32) (input.InjectionResult, []dispatch.InputTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	action := ev.MaskedAction()
	var w *Window
	if action == input.MotionActionDown || p.touched[ev.DeviceID] == "" {
		w = p.hitLocked(ev)
		if action == input.MotionActionDown {
			delete(p.touched, ev.DeviceID)
			if w != nil {
				p.touched[ev.DeviceID] = w.Name
			}
		}
	} else {
		w = p.findLocked(p.touched[ev.DeviceID])
	}
	if action == input.MotionActionUp || action == input.MotionActionCancel {
		delete(p.touched, ev.DeviceID)
	}

	if w == nil || w.Channel == nil {
		return input.InjectionFailed, nil
	}
	if injected(flags, injectorPID, injectorUID) && !p.mayInjectLocked(injectorUID, w) {
		p.logger.Warn("injection denied", "uid", injectorUID, "pid", injectorPID, "window", w.Name)
		return input.InjectionPermissionDenied, nil
	}

	targets := []dispatch.InputTarget{{
		Channel: w.Channel,
		Timeout: w.DispatchTimeout,
		XOffset: -w.Bounds.Left,
		YOffset: -w.Bounds.Top,
	}}
	if action == input.MotionActionDown {
		for _, other := range p.windows {
			if other == w || !other.WatchOutside || other.Channel == nil {
				continue
			}
			targets = append(targets, dispatch.InputTarget{
				Channel: other.Channel,
				Flags:   dispatch.TargetOutside,
				Timeout: other.DispatchTimeout,
				XOffset: -other.Bounds.Left,
				YOffset: -other.Bounds.Top,
			})
		}
	}
	return input.InjectionSucceeded, targets
}

// hitLocked returns the topmost window under the first pointer of the
// newest sample.
func (p *WindowPolicy) hitLocked(ev *input.MotionEvent) *Window {
	if len(ev.Samples) == 0 || len(ev.Samples[len(ev.Samples)-1].Coords) == 0 {
		return nil
	}
	c := ev.Samples[len(ev.Samples)-1].Coords[0]
	for _, w := range p.windows {
		if w.contains(c.X, c.Y) {
			return w
		}
	}
	return nil
}

func injected(flags dispatch.PolicyFlags, pid, uid int32) bool {
	return flags&dispatch.PolicyFlagInjected != 0 || (pid >= 0 && uid >= 0)
}
