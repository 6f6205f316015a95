package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"code.hybscloud.com/iox"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/events"
	"github.com/mattjoyce/inputd/internal/input"
	"github.com/mattjoyce/inputd/internal/log"
	"github.com/mattjoyce/inputd/internal/queue"
)

// Dispatcher delivers inbound key and motion events to registered channels.
type Dispatcher struct {
	policy   Policy
	cfg      config.DispatchConfig
	hub      *events.Hub
	tracer   Tracer
	logger   *slog.Logger
	throttle *log.Throttle
	now      func() time.Time

	wake chan struct{}

	mu          sync.Mutex
	alloc       *allocator
	inbound     queue.Queue[eventRef]
	commands    queue.Queue[command]
	connections map[string]*connection
	active      []*connection
	pending     eventRef
	pendingSync int
	keyRepeat   keyRepeatState
	streaming   streamState
}

// New creates a Dispatcher. hub and tracer may be nil.
func New(policy Policy, cfg config.DispatchConfig, hub *events.Hub, tracer Tracer) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = config.DefaultDispatch().DefaultTimeout
	}
	if cfg.KeyRepeatDelay <= 0 {
		cfg.KeyRepeatDelay = config.DefaultDispatch().KeyRepeatDelay
	}
	return &Dispatcher{
		policy:      policy,
		cfg:         cfg,
		hub:         hub,
		tracer:      tracer,
		logger:      log.WithComponent("dispatch"),
		throttle:    log.NewThrottle(5, 60),
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		alloc:       newAllocator(cfg.ArenaChunk),
		connections: make(map[string]*connection),
	}
}

// Run pumps DispatchOnce until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	for {
		if err := d.DispatchOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// DispatchOnce runs one loop iteration, then waits until the next deadline,
// a producer wake-up, channel readiness, or ctx cancellation.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	d.mu.Lock()
	next := d.dispatchOnceInnerLocked()
	if d.runCommandsLockedInterruptible() {
		next = d.now()
	}
	d.mu.Unlock()

	return d.pollOnce(ctx, next)
}

func (d *Dispatcher) pollOnce(ctx context.Context, next time.Time) error {
	var timer <-chan time.Time
	if !next.IsZero() {
		delay := next.Sub(d.now())
		if delay <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.wake:
	case <-timer:
	}
	return nil
}

func (d *Dispatcher) wakeUp() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dispatchOnceInnerLocked processes completions, at most one inbound event
// and expired timeouts. It returns the next deadline, zero for none.
func (d *Dispatcher) dispatchOnceInnerLocked() time.Time {
	now := d.now()
	d.receiveFinishedSignalsLocked(now)

	if !d.pending.valid() {
		switch {
		case d.pendingSync > 0:
			// Held back behind a synchronous delivery.
		case !d.inbound.Empty():
			d.pending, _ = d.inbound.PopFront()
		case d.keyRepeat.armed() && !now.Before(d.keyRepeat.nextRepeat):
			d.pending = d.synthesizeKeyRepeatLocked(now)
		}
	}

	var next time.Time
	if d.pending.valid() {
		d.dispatchPendingLockedInterruptible(now)
		now = d.now()
		if !d.inbound.Empty() {
			next = now
		}
	}

	next = earliest(next, d.checkTimeoutsLocked(now))
	if d.keyRepeat.armed() {
		next = earliest(next, d.keyRepeat.nextRepeat)
	}
	return next
}

// dispatchPendingLockedInterruptible hands the pending event to the policy
// and fans it out. The lock is released during the policy call.
func (d *Dispatcher) dispatchPendingLockedInterruptible(now time.Time) {
	ref := d.pending
	d.resetStreamingLocked()

	switch ref.kind {
	case KindConfigurationChanged:
		d.dispatchConfigurationChangedLocked(now, ref)
	case KindKey:
		d.dispatchKeyLockedInterruptible(now, ref)
	case KindMotion:
		d.dispatchMotionLockedInterruptible(now, ref)
	}

	d.pending = eventRef{}
	d.alloc.release(ref)
}

func (d *Dispatcher) dispatchConfigurationChangedLocked(now time.Time, ref eventRef) {
	hdr := d.alloc.header(ref)
	d.resetKeyRepeatLocked()
	d.postCommandLocked(command{kind: cmdConfigurationChanged, eventTime: hdr.eventTime})
	hdr.resolve(input.InjectionSucceeded)
	d.traceResolvedLocked(now, ref, hdr, 0, "")
	d.hub.Publish(events.ConfigurationChanged, "", map[string]int64{"event_time": hdr.eventTime})
}

func (d *Dispatcher) dispatchKeyLockedInterruptible(now time.Time, ref eventRef) {
	k := d.alloc.key(ref)
	if !k.dispatchInProgress {
		if d.isStaleLocked(now, k) {
			d.dropEventLocked(now, ref, "stale")
			return
		}
		d.prepareKeyRepeatLocked(ref, k)
		if k.repeatCount == 1 {
			k.flags |= input.KeyFlagLongPress
		} else {
			k.flags &^= input.KeyFlagLongPress
		}
		k.dispatchInProgress = true
	}

	ev := k.event()
	flags, pid, uid := k.policyFlags, k.injectorPID, k.injectorUID

	d.mu.Unlock()
	repeatTimeout := d.policy.GetKeyRepeatTimeout()
	result, targets := d.policy.WaitForKeyEventTargets(&ev, flags, pid, uid)
	d.mu.Lock()

	d.armKeyRepeatLocked(ref, repeatTimeout)
	d.dispatchToTargetsLocked(d.now(), ref, result, targets)
}

func (d *Dispatcher) dispatchMotionLockedInterruptible(now time.Time, ref eventRef) {
	m := d.alloc.motion(ref)
	if !m.dispatchInProgress {
		d.resetKeyRepeatLocked()
		m.dispatchInProgress = true
	}

	ev := m.event(m.action, 0, m.sampleCount(), 0, 0)
	flags, pid, uid := m.policyFlags, m.injectorPID, m.injectorUID

	d.mu.Unlock()
	result, targets := d.policy.WaitForMotionEventTargets(&ev, flags, pid, uid)
	d.mu.Lock()

	if d.dispatchToTargetsLocked(d.now(), ref, result, targets) > 0 && !m.injected() {
		d.startStreamingLocked(ref, targets)
	}
}

func (d *Dispatcher) isStaleLocked(now time.Time, k *keyEntry) bool {
	if d.cfg.StaleEventTimeout <= 0 || k.syntheticRepeat {
		return false
	}
	return now.Sub(time.Unix(0, k.eventTime)) > d.cfg.StaleEventTimeout
}

func (d *Dispatcher) dropEventLocked(now time.Time, ref eventRef, reason string) {
	hdr := d.alloc.header(ref)
	hdr.resolve(input.InjectionFailed)
	d.throttle.Log(d.logger, slog.LevelWarn, "drop:"+reason, "dropping inbound event",
		"reason", reason, "seq", hdr.seq, "kind", ref.kind.String())
	d.traceResolvedLocked(now, ref, hdr, 0, reason)
}

// dispatchToTargetsLocked enqueues the event on every live target and
// settles its injection result. It returns the number of deliveries queued.
// Targets whose channel was unregistered during resolution are skipped.
func (d *Dispatcher) dispatchToTargetsLocked(now time.Time, ref eventRef, result input.InjectionResult, targets []InputTarget) int {
	hdr := d.alloc.header(ref)
	if !result.Terminal() {
		d.throttle.Log(d.logger, slog.LevelWarn, "nonterminal", "policy returned a non-final result",
			"result", result.String(), "seq", hdr.seq)
		result = input.InjectionFailed
	}
	if result == input.InjectionSucceeded && len(targets) == 0 {
		result = input.InjectionFailed
	}

	queued := 0
	if result == input.InjectionSucceeded {
		for _, t := range targets {
			if t.Channel == nil {
				continue
			}
			conn, ok := d.connections[t.Channel.Token()]
			if !ok {
				d.throttle.Log(d.logger, slog.LevelDebug, "stale:"+t.Channel.Token(),
					"skipping target whose channel is no longer registered", "channel", t.Channel.Name())
				continue
			}
			if d.prepareDispatchCycleLocked(now, conn, ref, t, 0) {
				queued++
			}
		}
	}

	hdr.resolve(result)
	d.traceResolvedLocked(now, ref, hdr, queued, "")
	if hdr.injected() {
		d.hub.Publish(events.InjectionResult, "", map[string]any{
			"seq":    hdr.seq,
			"kind":   ref.kind.String(),
			"result": result.String(),
			"uid":    hdr.injectorUID,
		})
	}
	return queued
}

// prepareDispatchCycleLocked queues one delivery on conn and starts a cycle
// if the connection was idle.
func (d *Dispatcher) prepareDispatchCycleLocked(now time.Time, conn *connection, ref eventRef, target InputTarget, headSample int) bool {
	if conn.status != StatusNormal {
		d.throttle.Log(conn.logger, slog.LevelWarn, "notnormal:"+conn.ch.Token(),
			"dropping event for channel that is not normal", "status", conn.status.String())
		return false
	}

	h, de := d.alloc.obtainDispatchEntry(ref, target, headSample)
	if de.flags&TargetSync != 0 {
		d.pendingSync++
	}
	if hdr := d.alloc.header(ref); hdr.injection != nil && de.foreground() {
		hdr.injection.pendingForeground++
	}

	wasEmpty := conn.outbound.Empty()
	conn.outbound.PushBack(h)
	if wasEmpty {
		d.activateConnectionLocked(conn)
		d.startDispatchCycleLocked(now, conn)
	}
	return true
}

// startDispatchCycleLocked publishes the head of conn's outbound queue.
func (d *Dispatcher) startDispatchCycleLocked(now time.Time, conn *connection) {
	h, _ := conn.outbound.Front()
	de := d.alloc.dispatch(h)
	de.inProgress = true

	var err error
	switch de.event.kind {
	case KindKey:
		ev := d.alloc.key(de.event).event()
		if err = conn.ch.PublishKeyEvent(&ev); err != nil {
			err = fmt.Errorf("publish key event: %w", err)
		}
	case KindMotion:
		err = d.publishMotionLocked(conn, de)
	default:
		err = fmt.Errorf("unexpected %s entry in outbound queue", de.event.kind)
	}
	if err == nil {
		if serr := conn.ch.SendDispatchSignal(); serr != nil {
			err = fmt.Errorf("send dispatch signal: %w", serr)
		}
	}
	if err != nil {
		conn.logger.Error("dispatch cycle failed", "error", err)
		d.abortBrokenDispatchCycleLocked(now, conn, true)
		return
	}

	conn.lastEventTime = d.alloc.header(de.event).eventTime
	conn.lastDispatchTime = now
	de.dispatchedAt = now

	timeout := de.timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	conn.nextTimeout = now.Add(timeout)
}

// publishMotionLocked publishes samples from de.headSample on, leaving any
// that do not fit for the next cycle.
func (d *Dispatcher) publishMotionLocked(conn *connection, de *dispatchEntry) error {
	m := d.alloc.motion(de.event)

	action := m.action
	switch {
	case de.flags&TargetOutside != 0:
		action = input.MotionActionOutside
	case de.flags&TargetCancel != 0:
		action = input.MotionActionCancel
	case de.headSample > 0 && action&input.MotionActionMask == input.MotionActionDown:
		// A continuation of a gesture already delivered as DOWN.
		action = input.MotionActionMove
	}

	ev := m.event(action, de.headSample, de.headSample+1, de.xOffset, de.yOffset)
	if err := conn.ch.PublishMotionEvent(&ev); err != nil {
		return fmt.Errorf("publish motion event: %w", err)
	}
	de.sentSamples = 1
	de.tailSample = -1

	for i := de.headSample + 1; i < m.sampleCount(); i++ {
		err := conn.ch.AppendMotionSample(m.sample(i, de.xOffset, de.yOffset))
		if errors.Is(err, ErrNoMemory) || errors.Is(err, ErrConsumed) {
			de.tailSample = i
			break
		}
		if err != nil {
			return fmt.Errorf("append motion sample: %w", err)
		}
		de.sentSamples++
	}
	return nil
}

// receiveFinishedSignalsLocked drains completion signals from every
// connection that is still receiving.
func (d *Dispatcher) receiveFinishedSignalsLocked(now time.Time) {
	for _, conn := range d.connections {
		for conn.receiving() {
			handled, err := conn.ch.ReceiveFinishedSignal()
			if err != nil {
				if !iox.IsWouldBlock(err) {
					conn.logger.Error("receive finished signal failed", "error", err)
					d.abortBrokenDispatchCycleLocked(now, conn, true)
				}
				break
			}
			d.finishDispatchCycleLocked(now, conn, handled)
		}
	}
}

func (d *Dispatcher) finishDispatchCycleLocked(now time.Time, conn *connection, handled bool) {
	if !conn.receiving() {
		return
	}

	h, ok := conn.outbound.Front()
	if !ok || !d.alloc.dispatch(h).inProgress {
		d.throttle.Log(conn.logger, slog.LevelWarn, "unexpected:"+conn.ch.Token(),
			"ignoring unexpected finished signal")
		return
	}
	de := d.alloc.dispatch(h)

	if err := conn.ch.Reset(); err != nil {
		conn.logger.Error("reset channel failed", "error", err)
		d.abortBrokenDispatchCycleLocked(now, conn, true)
		return
	}
	conn.nextTimeout = time.Time{}

	if conn.status == StatusNotResponding {
		conn.status = StatusNormal
		conn.logger.Info("channel recovered")
		d.postCommandLocked(command{kind: cmdChannelRecovered, conn: conn})
		d.hub.Publish(events.ConnectionRecovered, conn.ch.Name(), nil)
	}

	d.traceFinishedLocked(now, conn, de, handled)
	d.startNextDispatchCycleLocked(now, conn)
}

// startNextDispatchCycleLocked retires the finished head (or resumes its
// remaining samples) and starts the next delivery.
func (d *Dispatcher) startNextDispatchCycleLocked(now time.Time, conn *connection) {
	for {
		h, ok := conn.outbound.Front()
		if !ok {
			d.deactivateConnectionLocked(conn)
			return
		}
		de := d.alloc.dispatch(h)
		if !de.inProgress {
			d.startDispatchCycleLocked(now, conn)
			return
		}
		if de.tailSample >= 0 {
			de.inProgress = false
			de.headSample = de.tailSample
			de.tailSample = -1
			de.sentSamples = 0
			d.startDispatchCycleLocked(now, conn)
			return
		}
		conn.outbound.PopFront()
		d.releaseDispatchEntryLocked(h)
	}
}

// abortBrokenDispatchCycleLocked drops everything queued for conn and marks
// it broken. notify queues a broken notification for the policy.
func (d *Dispatcher) abortBrokenDispatchCycleLocked(now time.Time, conn *connection, notify bool) {
	d.drainOutboundLocked(conn)
	d.deactivateConnectionLocked(conn)
	conn.nextTimeout = time.Time{}

	if conn.receiving() {
		conn.status = StatusBroken
		if notify {
			conn.logger.Error("channel is unrecoverably broken and will be disposed")
			d.postCommandLocked(command{kind: cmdChannelBroken, conn: conn})
			d.hub.Publish(events.ConnectionBroken, conn.ch.Name(), map[string]string{"reason": "transport"})
		}
	}
}

func (d *Dispatcher) drainOutboundLocked(conn *connection) {
	for {
		h, ok := conn.outbound.PopFront()
		if !ok {
			return
		}
		d.releaseDispatchEntryLocked(h)
	}
}

func (d *Dispatcher) releaseDispatchEntryLocked(h handle) {
	de := d.alloc.dispatch(h)
	if de.flags&TargetSync != 0 {
		d.pendingSync--
	}
	if de.foreground() {
		if hdr := d.alloc.header(de.event); hdr != nil && hdr.injection != nil {
			hdr.injection.pendingForeground--
			hdr.injection.maybeFinish()
		}
	}
	d.alloc.releaseDispatchEntry(h)
}

func (d *Dispatcher) activateConnectionLocked(conn *connection) {
	if conn.active {
		return
	}
	conn.active = true
	d.active = append(d.active, conn)
}

func (d *Dispatcher) deactivateConnectionLocked(conn *connection) {
	if !conn.active {
		return
	}
	conn.active = false
	for i, c := range d.active {
		if c == conn {
			d.active = append(d.active[:i], d.active[i+1:]...)
			return
		}
	}
}

// checkTimeoutsLocked moves overdue connections to not responding and
// returns the earliest deadline still pending.
func (d *Dispatcher) checkTimeoutsLocked(now time.Time) time.Time {
	var next time.Time
	for _, conn := range d.active {
		if conn.nextTimeout.IsZero() {
			continue
		}
		if !now.Before(conn.nextTimeout) {
			d.timeoutDispatchCycleLocked(now, conn)
			continue
		}
		next = earliest(next, conn.nextTimeout)
	}
	return next
}

func (d *Dispatcher) timeoutDispatchCycleLocked(now time.Time, conn *connection) {
	conn.nextTimeout = time.Time{}
	if conn.status == StatusNormal {
		conn.status = StatusNotResponding
	}
	conn.lastANRTime = now

	waited := now.Sub(conn.lastDispatchTime)
	conn.logger.Warn("channel not responding", "waited_ms", waited.Milliseconds())
	d.postCommandLocked(command{kind: cmdChannelANR, conn: conn})
	d.hub.Publish(events.ConnectionANR, conn.ch.Name(), map[string]int64{"waited_ms": waited.Milliseconds()})
}

// RegisterInputChannel starts delivering to ch.
func (d *Dispatcher) RegisterInputChannel(ch Channel) error {
	d.mu.Lock()
	token := ch.Token()
	if _, dup := d.connections[token]; dup {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, ch.Name())
	}
	conn := newConnection(ch)
	d.connections[token] = conn
	d.mu.Unlock()

	go d.watchConnection(conn)

	conn.logger.Info("input channel registered", "token", token)
	d.hub.Publish(events.ConnectionRegistered, ch.Name(), map[string]string{"token": token})
	return nil
}

// UnregisterInputChannel stops delivering to ch and drops everything queued
// for it. Unregistering an unknown channel returns ErrNotRegistered.
func (d *Dispatcher) UnregisterInputChannel(ch Channel) error {
	d.mu.Lock()
	token := ch.Token()
	conn, ok := d.connections[token]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, ch.Name())
	}
	d.removeConnectionLocked(d.now(), conn)
	d.mu.Unlock()

	d.wakeUp()
	conn.logger.Info("input channel unregistered")
	d.hub.Publish(events.ConnectionUnregistered, ch.Name(), nil)
	return nil
}

// removeConnectionLocked forgets conn and drops everything queued for it.
// Commands already queued for conn see it as a zombie.
func (d *Dispatcher) removeConnectionLocked(now time.Time, conn *connection) {
	if d.connections[conn.ch.Token()] == conn {
		delete(d.connections, conn.ch.Token())
	}
	d.abortBrokenDispatchCycleLocked(now, conn, false)
	conn.status = StatusZombie
	close(conn.stop)
}

// watchConnection forwards channel readiness to the dispatch loop until the
// connection is unregistered or the channel hangs up.
func (d *Dispatcher) watchConnection(conn *connection) {
	ready := conn.ch.Ready()
	for {
		select {
		case <-conn.stop:
			return
		case _, ok := <-ready:
			d.wakeUp()
			if !ok {
				return
			}
		}
	}
}

// PreemptInputDispatch turns every outstanding synchronous delivery into an
// asynchronous one so the inbound queue can make progress.
func (d *Dispatcher) PreemptInputDispatch() {
	d.mu.Lock()
	preempted := 0
	for _, conn := range d.connections {
		for i := 0; i < conn.outbound.Len(); i++ {
			de := d.alloc.dispatch(conn.outbound.At(i))
			if de.flags&TargetSync != 0 {
				de.flags &^= TargetSync
				d.pendingSync--
				preempted++
			}
		}
	}
	d.mu.Unlock()

	if preempted > 0 {
		d.logger.Info("preempted synchronous dispatch", "entries", preempted)
		d.wakeUp()
	}
}

// Snapshot is a point-in-time view of dispatcher state.
type Snapshot struct {
	InboundDepth   int              `json:"inbound_depth"`
	CommandDepth   int              `json:"command_depth"`
	PendingSync    int              `json:"pending_sync"`
	KeyRepeatArmed bool             `json:"key_repeat_armed"`
	Pools          PoolStats        `json:"pools"`
	Connections    []ConnectionInfo `json:"connections"`
}

// Snapshot copies the current state; connections are sorted by name.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		InboundDepth:   d.inbound.Len(),
		CommandDepth:   d.commands.Len(),
		PendingSync:    d.pendingSync,
		KeyRepeatArmed: d.keyRepeat.armed(),
		Pools:          d.alloc.stats(),
		Connections:    make([]ConnectionInfo, 0, len(d.connections)),
	}
	for _, conn := range d.connections {
		snap.Connections = append(snap.Connections, conn.info())
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].Name < snap.Connections[j].Name
	})
	return snap
}

func (d *Dispatcher) traceResolvedLocked(now time.Time, ref eventRef, hdr *eventHeader, targets int, dropReason string) {
	if d.tracer == nil {
		return
	}
	rec := ResolvedRecord{
		Seq:         hdr.seq,
		Kind:        ref.kind,
		Injected:    hdr.injected(),
		Result:      hdr.injectionResult,
		Targets:     targets,
		EventTime:   hdr.eventTime,
		ResolvedAt:  now,
		DropReason:  dropReason,
		InjectorUID: hdr.injectorUID,
	}
	switch ref.kind {
	case KindKey:
		k := d.alloc.key(ref)
		rec.Action, rec.DeviceID = k.action, k.deviceID
	case KindMotion:
		m := d.alloc.motion(ref)
		rec.Action, rec.DeviceID = m.action, m.deviceID
	}
	d.tracer.EventResolved(rec)
}

func (d *Dispatcher) traceFinishedLocked(now time.Time, conn *connection, de *dispatchEntry, handled bool) {
	if d.tracer == nil {
		return
	}
	hdr := d.alloc.header(de.event)
	d.tracer.DispatchFinished(FinishedRecord{
		Seq:          hdr.seq,
		Channel:      conn.ch.Name(),
		Kind:         de.event.kind,
		Handled:      handled,
		Samples:      de.sentSamples,
		EventTime:    hdr.eventTime,
		DispatchedAt: de.dispatchedAt,
		FinishedAt:   now,
	})
}

// earliest returns the earlier of two deadlines, treating zero as none.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
