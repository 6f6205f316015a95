package dispatch

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/iox"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/events"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// fakeChannel records everything published to it. finish queues a
// completion signal.
type fakeChannel struct {
	name  string
	token string
	ready chan struct{}

	mu         sync.Mutex
	keys       []input.KeyEvent
	motions    []*input.MotionEvent
	order      []string
	signals    int
	resets     int
	finished   []bool
	maxSamples int
	consumed   bool
	publishErr error
	receiveErr error
	closed     bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:  name,
		token: name + "-token",
		ready: make(chan struct{}, 1),
	}
}

func (c *fakeChannel) Name() string  { return c.name }
func (c *fakeChannel) Token() string { return c.token }

func (c *fakeChannel) PublishKeyEvent(ev *input.KeyEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.keys = append(c.keys, *ev)
	c.order = append(c.order, "key")
	return nil
}

func (c *fakeChannel) PublishMotionEvent(ev *input.MotionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.motions = append(c.motions, ev.Clone())
	c.order = append(c.order, "motion")
	return nil
}

func (c *fakeChannel) AppendMotionSample(s input.MotionSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return ErrConsumed
	}
	cur := c.motions[len(c.motions)-1]
	if c.maxSamples > 0 && len(cur.Samples) >= c.maxSamples {
		return ErrNoMemory
	}
	cur.Samples = append(cur.Samples, s)
	return nil
}

func (c *fakeChannel) SendDispatchSignal() error {
	c.mu.Lock()
	c.signals++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) ReceiveFinishedSignal() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiveErr != nil {
		return false, c.receiveErr
	}
	if len(c.finished) == 0 {
		return false, iox.ErrWouldBlock
	}
	handled := c.finished[0]
	c.finished = c.finished[1:]
	return handled, nil
}

func (c *fakeChannel) Reset() error {
	c.mu.Lock()
	c.resets++
	c.consumed = false
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Ready() <-chan struct{} { return c.ready }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) finish(handled bool) {
	c.mu.Lock()
	c.finished = append(c.finished, handled)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *fakeChannel) setConsumed() {
	c.mu.Lock()
	c.consumed = true
	c.mu.Unlock()
}

func (c *fakeChannel) published() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *fakeChannel) keyCodes() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := make([]int32, len(c.keys))
	for i, k := range c.keys {
		codes[i] = k.KeyCode
	}
	return codes
}

// fakePolicy routes every event to its targets and asserts it is never
// entered with the dispatcher lock held.
type fakePolicy struct {
	d *Dispatcher
	// checkLock is off for tests where other goroutines take the lock.
	checkLock  bool
	violations atomic.Int32

	mu            sync.Mutex
	targets       []InputTarget
	result        input.InjectionResult
	repeatTimeout time.Duration
	onKey         func(ev *input.KeyEvent)
	onANR         func(ch Channel) (bool, time.Duration)
	block         chan struct{}

	configChanges []int64
	broken        []string
	anrs          []string
	recovered     []string
	keyCalls      int
	motionCalls   int
}

func newFakePolicy(targets ...InputTarget) *fakePolicy {
	return &fakePolicy{
		checkLock: true,
		targets:   targets,
		result:    input.InjectionSucceeded,
	}
}

func (p *fakePolicy) assertUnlocked() {
	if !p.checkLock || p.d == nil {
		return
	}
	if !p.d.mu.TryLock() {
		p.violations.Add(1)
		return
	}
	p.d.mu.Unlock()
}

func (p *fakePolicy) NotifyConfigurationChanged(eventTime int64) {
	p.assertUnlocked()
	p.mu.Lock()
	p.configChanges = append(p.configChanges, eventTime)
	p.mu.Unlock()
}

func (p *fakePolicy) NotifyInputChannelBroken(ch Channel) {
	p.assertUnlocked()
	p.mu.Lock()
	p.broken = append(p.broken, ch.Name())
	p.mu.Unlock()
}

func (p *fakePolicy) NotifyInputChannelANR(ch Channel) (bool, time.Duration) {
	p.assertUnlocked()
	p.mu.Lock()
	p.anrs = append(p.anrs, ch.Name())
	onANR := p.onANR
	p.mu.Unlock()
	if onANR != nil {
		return onANR(ch)
	}
	return false, 0
}

func (p *fakePolicy) NotifyInputChannelRecoveredFromANR(ch Channel) {
	p.assertUnlocked()
	p.mu.Lock()
	p.recovered = append(p.recovered, ch.Name())
	p.mu.Unlock()
}

func (p *fakePolicy) GetKeyRepeatTimeout() time.Duration {
	p.assertUnlocked()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.repeatTimeout
}

func (p *fakePolicy) WaitForKeyEventTargets(ev *input.KeyEvent, _ PolicyFlags, _, _ int32) (input.InjectionResult, []InputTarget) {
	p.assertUnlocked()
	p.mu.Lock()
	p.keyCalls++
	onKey, block := p.onKey, p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	if onKey != nil {
		onKey(ev)
	}
	return p.decision()
}

func (p *fakePolicy) WaitForMotionEventTargets(*input.MotionEvent, PolicyFlags, int32, int32) (input.InjectionResult, []InputTarget) {
	p.assertUnlocked()
	p.mu.Lock()
	p.motionCalls++
	p.mu.Unlock()
	return p.decision()
}

func (p *fakePolicy) decision() (input.InjectionResult, []InputTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result != input.InjectionSucceeded {
		return p.result, nil
	}
	return p.result, append([]InputTarget(nil), p.targets...)
}

type recordingTracer struct {
	mu       sync.Mutex
	resolved []ResolvedRecord
	finished []FinishedRecord
}

func (r *recordingTracer) EventResolved(rec ResolvedRecord) {
	r.mu.Lock()
	r.resolved = append(r.resolved, rec)
	r.mu.Unlock()
}

func (r *recordingTracer) DispatchFinished(rec FinishedRecord) {
	r.mu.Lock()
	r.finished = append(r.finished, rec)
	r.mu.Unlock()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *testClock) nanos() int64 { return c.now().UnixNano() }

type harness struct {
	d      *Dispatcher
	policy *fakePolicy
	tracer *recordingTracer
	clock  *testClock
}

// newHarness builds a dispatcher driven by step on a manual clock.
func newHarness(t *testing.T, p *fakePolicy, mutate func(*config.DispatchConfig)) *harness {
	t.Helper()
	cfg := config.DefaultDispatch()
	cfg.ArenaChunk = 4
	if mutate != nil {
		mutate(&cfg)
	}
	tr := &recordingTracer{}
	d := New(p, cfg, events.NewHub(64), tr)
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	d.now = clk.now
	p.d = d

	t.Cleanup(func() {
		if n := p.violations.Load(); n != 0 {
			t.Errorf("policy entered %d times with the dispatcher lock held", n)
		}
	})
	return &harness{d: d, policy: p, tracer: tr, clock: clk}
}

// step runs one loop iteration without waiting.
func (h *harness) step() time.Time {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	next := h.d.dispatchOnceInnerLocked()
	if h.d.runCommandsLockedInterruptible() {
		next = h.d.now()
	}
	return next
}

// drain steps until the inbound queue and command queue are empty.
func (h *harness) drain() {
	for i := 0; i < 64; i++ {
		h.step()
		snap := h.d.Snapshot()
		if snap.InboundDepth == 0 && snap.CommandDepth == 0 && !h.pendingValid() {
			return
		}
	}
}

func (h *harness) pendingValid() bool {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.d.pending.valid()
}

func (h *harness) register(t *testing.T, ch *fakeChannel) {
	t.Helper()
	if err := h.d.RegisterInputChannel(ch); err != nil {
		t.Fatalf("register %s: %v", ch.name, err)
	}
}

func (h *harness) connection(ch Channel) ConnectionInfo {
	for _, c := range h.d.Snapshot().Connections {
		if c.Token == ch.Token() {
			return c
		}
	}
	return ConnectionInfo{}
}

func (h *harness) keyDown(code int32) *input.KeyEvent {
	now := h.clock.nanos()
	return &input.KeyEvent{
		DeviceID:  1,
		Source:    input.SourceKeyboard,
		Action:    input.KeyActionDown,
		KeyCode:   code,
		ScanCode:  code + 100,
		DownTime:  now,
		EventTime: now,
	}
}

func (h *harness) touch(action int32, at time.Duration, x, y float32) *input.MotionEvent {
	t := h.clock.nanos() + int64(at)
	return &input.MotionEvent{
		DeviceID:   2,
		Source:     input.SourceTouchscreen,
		Action:     action,
		DownTime:   h.clock.nanos(),
		PointerIDs: []int32{0},
		Samples: []input.MotionSample{{
			EventTime: t,
			Coords:    []input.PointerCoords{{X: x, Y: y, Pressure: 1}},
		}},
	}
}
