package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/inputd/internal/config"
	"github.com/mattjoyce/inputd/internal/input"
)

func TestKeysWithoutChannelsFail(t *testing.T) {
	h := newHarness(t, newFakePolicy(), nil)

	down := h.keyDown(30)
	up := *down
	up.Action = input.KeyActionUp
	require.NoError(t, h.d.NotifyKey(down))
	require.NoError(t, h.d.NotifyKey(&up))
	h.drain()

	require.Len(t, h.tracer.resolved, 2)
	for _, rec := range h.tracer.resolved {
		assert.Equal(t, input.InjectionFailed, rec.Result)
		assert.Zero(t, rec.Targets)
	}
	snap := h.d.Snapshot()
	assert.Empty(t, snap.Connections)
	assert.Zero(t, snap.Pools.LiveKeys)
	assert.Zero(t, snap.Pools.LiveDispatches)
}

func TestInjectedKeyRoundTrip(t *testing.T) {
	ch := newFakeChannel("editor")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	ev := h.keyDown(29)
	ev.MetaState = 0x41
	ev.DownTime -= int64(40 * time.Millisecond)

	res := h.d.InjectInputEvent(context.Background(), ev, 100, 1000, input.SyncNone, 0)
	require.Equal(t, input.InjectionSucceeded, res)
	h.drain()

	require.Len(t, ch.keys, 1)
	assert.Equal(t, *ev, ch.keys[0])
	require.Len(t, h.tracer.resolved, 1)
	assert.True(t, h.tracer.resolved[0].Injected)
	assert.Equal(t, int32(1000), h.tracer.resolved[0].InjectorUID)
}

func TestDeliveryIsFIFOPerConnection(t *testing.T) {
	ch := newFakeChannel("editor")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	for _, code := range []int32{1, 2, 3} {
		require.NoError(t, h.d.NotifyKey(h.keyDown(code)))
	}
	h.drain()

	assert.Equal(t, []int32{1}, ch.keyCodes())
	assert.Equal(t, 3, h.connection(ch).OutboundDepth)

	ch.finish(true)
	h.step()
	assert.Equal(t, []int32{1, 2}, ch.keyCodes())

	ch.finish(false)
	h.step()
	ch.finish(true)
	h.step()
	assert.Equal(t, []int32{1, 2, 3}, ch.keyCodes())

	info := h.connection(ch)
	assert.Zero(t, info.OutboundDepth)
	assert.False(t, info.Active)
	require.Len(t, h.tracer.finished, 3)
	assert.False(t, h.tracer.finished[1].Handled)

	snap := h.d.Snapshot()
	assert.Zero(t, snap.Pools.LiveDispatches)
	assert.Zero(t, snap.Pools.LiveKeys)
}

func TestSyncTargetHoldsInbound(t *testing.T) {
	ch := newFakeChannel("editor")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch, Flags: TargetSync}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	require.NoError(t, h.d.NotifyKey(h.keyDown(2)))
	h.step()
	h.step()

	snap := h.d.Snapshot()
	assert.Equal(t, 1, snap.PendingSync)
	assert.Equal(t, 1, snap.InboundDepth)

	// Completion releases the hold and the next key goes out in the same step.
	ch.finish(true)
	h.step()
	assert.Equal(t, []int32{1, 2}, ch.keyCodes())
	assert.Equal(t, 1, h.d.Snapshot().PendingSync)
}

func TestPreemptReleasesSyncHold(t *testing.T) {
	ch := newFakeChannel("editor")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch, Flags: TargetSync}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	require.NoError(t, h.d.NotifyKey(h.keyDown(2)))
	h.step()
	h.step()
	require.Equal(t, 1, h.d.Snapshot().InboundDepth)

	h.d.PreemptInputDispatch()
	assert.Zero(t, h.d.Snapshot().PendingSync)

	h.step()
	snap := h.d.Snapshot()
	assert.Zero(t, snap.InboundDepth)
	assert.Equal(t, 1, snap.PendingSync, "the second key is itself sync")
	assert.Equal(t, 2, h.connection(ch).OutboundDepth)
}

func TestMovesBatchIntoQueuedDown(t *testing.T) {
	ch := newFakeChannel("canvas")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 10, 10)))
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 10*time.Millisecond, 12, 14)))
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 20*time.Millisecond, 15, 19)))

	snap := h.d.Snapshot()
	assert.Equal(t, 1, snap.InboundDepth)
	assert.Equal(t, 1, snap.Pools.LiveMotions)

	h.step()
	require.Len(t, ch.motions, 1)
	got := ch.motions[0]
	assert.Equal(t, input.MotionActionDown, got.Action)
	require.Len(t, got.Samples, 3)
	assert.Equal(t, float32(15), got.Samples[2].Coords[0].X)
	assert.Equal(t, 1, h.d.Snapshot().Pools.LiveDispatches)
}

func TestMovesStreamIntoInFlightPublication(t *testing.T) {
	ch := newFakeChannel("canvas")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch, XOffset: -5, YOffset: -5}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 10, 10)))
	h.step()
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 10*time.Millisecond, 12, 14)))
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 20*time.Millisecond, 15, 19)))

	snap := h.d.Snapshot()
	assert.Zero(t, snap.InboundDepth)
	assert.Equal(t, 1, snap.Pools.LiveDispatches)

	require.Len(t, ch.motions, 1)
	require.Len(t, ch.motions[0].Samples, 3)
	assert.Equal(t, input.PointerCoords{X: 10, Y: 14, Pressure: 1}, ch.motions[0].Samples[2].Coords[0])
	assert.Equal(t, 1, ch.signals)

	ch.finish(true)
	h.step()
	require.Len(t, h.tracer.finished, 1)
	assert.Equal(t, 3, h.tracer.finished[0].Samples)
	assert.Zero(t, h.d.Snapshot().Pools.LiveMotions)
}

func TestConsumedPublicationResumesAsMove(t *testing.T) {
	ch := newFakeChannel("canvas")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 10, 10)))
	h.step()
	ch.setConsumed()
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 10*time.Millisecond, 11, 11)))
	require.Len(t, ch.motions[0].Samples, 1)

	ch.finish(true)
	h.step()
	require.Len(t, ch.motions, 2)
	resumed := ch.motions[1]
	assert.Equal(t, input.MotionActionMove, resumed.Action)
	require.Len(t, resumed.Samples, 1)
	assert.Equal(t, h.clock.nanos()+int64(10*time.Millisecond), resumed.Samples[0].EventTime)
	assert.Equal(t, 1, ch.resets)

	ch.finish(true)
	h.step()
	assert.Len(t, h.tracer.finished, 2)
	assert.Zero(t, h.d.Snapshot().Pools.LiveMotions)
}

func TestFullPublicationResumesRemainingSamples(t *testing.T) {
	ch := newFakeChannel("canvas")
	ch.maxSamples = 2
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 10, 10)))
	h.step()
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 10*time.Millisecond, 11, 11)))
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 20*time.Millisecond, 12, 12)))
	require.Len(t, ch.motions[0].Samples, 2)

	ch.finish(true)
	h.step()
	require.Len(t, ch.motions, 2)
	assert.Equal(t, input.MotionActionMove, ch.motions[1].Action)
	require.Len(t, ch.motions[1].Samples, 1)
	assert.Equal(t, float32(12), ch.motions[1].Samples[0].Coords[0].X)
}

func TestCloseSamplesCoalesce(t *testing.T) {
	ch := newFakeChannel("canvas")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 10, 10)))
	// Within the interval, but the lone DOWN sample is kept.
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, time.Millisecond, 11, 11)))
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 2*time.Millisecond, 12, 12)))
	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionMove, 10*time.Millisecond, 20, 20)))
	h.step()

	require.Len(t, ch.motions, 1)
	samples := ch.motions[0].Samples
	require.Len(t, samples, 3)
	assert.Equal(t, float32(10), samples[0].Coords[0].X)
	assert.Equal(t, float32(12), samples[1].Coords[0].X)
	assert.Equal(t, h.clock.nanos()+int64(2*time.Millisecond), samples[1].EventTime)
	assert.Equal(t, float32(20), samples[2].Coords[0].X)
}

func TestIncompatibleMoveQueuesNewEntry(t *testing.T) {
	h := newHarness(t, newFakePolicy(), nil)

	require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 10, 10)))
	move := h.touch(input.MotionActionMove, 10*time.Millisecond, 11, 11)
	move.PointerIDs = []int32{1}
	require.NoError(t, h.d.NotifyMotion(move))

	assert.Equal(t, 2, h.d.Snapshot().InboundDepth)
}

func TestInvalidNotificationsRejected(t *testing.T) {
	h := newHarness(t, newFakePolicy(), nil)

	key := h.keyDown(1)
	key.Action = 42
	assert.ErrorIs(t, h.d.NotifyKey(key), input.ErrInvalidEvent)

	motion := h.touch(input.MotionActionDown, 0, 1, 1)
	motion.PointerIDs = nil
	assert.ErrorIs(t, h.d.NotifyMotion(motion), input.ErrInvalidEvent)
	assert.Zero(t, h.d.Snapshot().InboundDepth)
}

func TestANRResumeThenAbandon(t *testing.T) {
	ch := newFakeChannel("slow")
	p := newFakePolicy(InputTarget{Channel: ch, Timeout: 5 * time.Millisecond})
	calls := 0
	p.onANR = func(Channel) (bool, time.Duration) {
		calls++
		if calls == 1 {
			return true, 5 * time.Millisecond
		}
		return false, 0
	}
	h := newHarness(t, p, nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	next := h.step()
	assert.Equal(t, h.clock.now().Add(5*time.Millisecond), next)

	h.clock.advance(5 * time.Millisecond)
	h.step()
	assert.Len(t, p.anrs, 1)
	assert.Equal(t, "not_responding", h.connection(ch).Status)

	h.step()
	h.clock.advance(4 * time.Millisecond)
	h.step()
	assert.Len(t, p.anrs, 1, "the extended deadline has not passed")

	h.clock.advance(time.Millisecond)
	h.step()
	assert.Len(t, p.anrs, 2)

	snap := h.d.Snapshot()
	assert.Empty(t, snap.Connections, "an abandoned channel is forgotten")
	assert.Zero(t, snap.Pools.LiveDispatches)
	assert.True(t, ch.isClosed())
	assert.Empty(t, p.broken, "abandoning does not report the channel broken")

	// The consumer may attach again under the same token.
	require.NoError(t, h.d.RegisterInputChannel(ch))
	assert.Equal(t, "normal", h.connection(ch).Status)
	require.NoError(t, h.d.UnregisterInputChannel(ch))
}

func TestLateCompletionRecoversFromANR(t *testing.T) {
	ch := newFakeChannel("slow")
	p := newFakePolicy(InputTarget{Channel: ch, Timeout: 5 * time.Millisecond})
	p.onANR = func(Channel) (bool, time.Duration) { return true, time.Second }
	h := newHarness(t, p, nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	h.step()
	h.clock.advance(6 * time.Millisecond)
	h.step()
	require.Equal(t, "not_responding", h.connection(ch).Status)

	ch.finish(true)
	h.step()
	info := h.connection(ch)
	assert.Equal(t, "normal", info.Status)
	assert.True(t, info.NextTimeout.IsZero())
	assert.Equal(t, []string{"slow"}, p.recovered)
	assert.False(t, info.LastANRTime.IsZero())
}

func TestANRPolicyMayReenterDispatcher(t *testing.T) {
	ch := newFakeChannel("slow")
	other := newFakeChannel("other")
	p := newFakePolicy(InputTarget{Channel: ch, Timeout: 5 * time.Millisecond})
	h := newHarness(t, p, nil)
	p.onANR = func(c Channel) (bool, time.Duration) {
		require.NoError(t, h.d.UnregisterInputChannel(c))
		require.NoError(t, h.d.RegisterInputChannel(other))
		h.d.PreemptInputDispatch()
		res := h.d.InjectInputEvent(context.Background(), h.keyDown(9), 1, 1, input.SyncNone, 0)
		assert.Equal(t, input.InjectionSucceeded, res)
		return true, 5 * time.Millisecond
	}
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	h.step()
	h.clock.advance(5 * time.Millisecond)
	h.step()

	snap := h.d.Snapshot()
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "other", snap.Connections[0].Name)
	assert.Equal(t, 1, snap.InboundDepth)
	assert.Len(t, p.anrs, 1)
	assert.Zero(t, snap.Pools.LiveDispatches)
}

func TestPublishErrorBreaksConnection(t *testing.T) {
	ch := newFakeChannel("flaky")
	ch.publishErr = errors.New("broken pipe")
	p := newFakePolicy(InputTarget{Channel: ch})
	h := newHarness(t, p, nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	h.step()

	assert.Equal(t, "broken", h.connection(ch).Status)
	assert.Equal(t, []string{"flaky"}, p.broken)
	assert.Zero(t, h.d.Snapshot().Pools.LiveDispatches)

	// Later events skip the broken connection.
	require.NoError(t, h.d.NotifyKey(h.keyDown(2)))
	h.drain()
	assert.Len(t, p.broken, 1)
	assert.Zero(t, h.connection(ch).OutboundDepth)
}

func TestBrokenNotificationSkippedAfterUnregister(t *testing.T) {
	ch := newFakeChannel("flaky")
	ch.publishErr = errors.New("broken pipe")
	p := newFakePolicy(InputTarget{Channel: ch})
	h := newHarness(t, p, nil)
	h.register(t, ch)
	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))

	// Break the connection but leave the notification queued.
	h.d.mu.Lock()
	h.d.dispatchOnceInnerLocked()
	h.d.mu.Unlock()
	require.Equal(t, 1, h.d.Snapshot().CommandDepth)

	require.NoError(t, h.d.UnregisterInputChannel(ch))
	h.step()

	assert.Empty(t, p.broken)
	assert.Zero(t, h.d.Snapshot().CommandDepth)
}

func TestReceiveErrorBreaksConnection(t *testing.T) {
	ch := newFakeChannel("flaky")
	p := newFakePolicy(InputTarget{Channel: ch})
	h := newHarness(t, p, nil)
	h.register(t, ch)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	h.step()
	ch.mu.Lock()
	ch.receiveErr = errors.New("connection reset")
	ch.mu.Unlock()
	h.step()

	assert.Equal(t, "broken", h.connection(ch).Status)
	assert.Equal(t, []string{"flaky"}, p.broken)
}

func TestRegistrationErrors(t *testing.T) {
	ch := newFakeChannel("editor")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), nil)
	h.register(t, ch)

	assert.ErrorIs(t, h.d.RegisterInputChannel(ch), ErrAlreadyRegistered)

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	require.NoError(t, h.d.NotifyKey(h.keyDown(2)))
	h.drain()
	require.Equal(t, 2, h.connection(ch).OutboundDepth)

	require.NoError(t, h.d.UnregisterInputChannel(ch))
	assert.ErrorIs(t, h.d.UnregisterInputChannel(ch), ErrNotRegistered)

	snap := h.d.Snapshot()
	assert.Empty(t, snap.Connections)
	assert.Zero(t, snap.Pools.LiveDispatches)
	assert.Zero(t, snap.Pools.LiveKeys)

	// The token is free again.
	require.NoError(t, h.d.RegisterInputChannel(ch))
}

func TestTargetUnregisteredDuringResolutionIsSkipped(t *testing.T) {
	ch := newFakeChannel("editor")
	p := newFakePolicy(InputTarget{Channel: ch})
	h := newHarness(t, p, nil)
	h.register(t, ch)
	p.onKey = func(*input.KeyEvent) {
		require.NoError(t, h.d.UnregisterInputChannel(ch))
	}

	require.NoError(t, h.d.NotifyKey(h.keyDown(1)))
	h.step()

	assert.Zero(t, ch.published())
	require.Len(t, h.tracer.resolved, 1)
	assert.Equal(t, input.InjectionSucceeded, h.tracer.resolved[0].Result)
	assert.Zero(t, h.tracer.resolved[0].Targets)
}

func TestStaleKeyDropped(t *testing.T) {
	ch := newFakeChannel("editor")
	p := newFakePolicy(InputTarget{Channel: ch})
	h := newHarness(t, p, nil)
	h.register(t, ch)

	ev := h.keyDown(1)
	ev.EventTime -= int64(11 * time.Second)
	require.NoError(t, h.d.NotifyKey(ev))
	h.step()

	assert.Zero(t, ch.published())
	assert.Zero(t, p.keyCalls)
	require.Len(t, h.tracer.resolved, 1)
	assert.Equal(t, "stale", h.tracer.resolved[0].DropReason)
	assert.Equal(t, input.InjectionFailed, h.tracer.resolved[0].Result)
}

func TestStaleCheckDisabled(t *testing.T) {
	ch := newFakeChannel("editor")
	h := newHarness(t, newFakePolicy(InputTarget{Channel: ch}), func(c *config.DispatchConfig) {
		c.StaleEventTimeout = -1
	})
	h.register(t, ch)

	ev := h.keyDown(1)
	ev.EventTime -= int64(time.Hour)
	require.NoError(t, h.d.NotifyKey(ev))
	h.step()
	assert.Equal(t, 1, ch.published())
}

func TestConfigurationChangedNotifiesPolicy(t *testing.T) {
	p := newFakePolicy()
	h := newHarness(t, p, nil)

	h.d.NotifyConfigurationChanged(1234)
	h.drain()

	assert.Equal(t, []int64{1234}, p.configChanges)
	require.Len(t, h.tracer.resolved, 1)
	assert.Equal(t, KindConfigurationChanged, h.tracer.resolved[0].Kind)
	assert.Equal(t, input.InjectionSucceeded, h.tracer.resolved[0].Result)
}

func TestSyncInjectionNeverPending(t *testing.T) {
	ch := newFakeChannel("editor")
	p := newFakePolicy(InputTarget{Channel: ch})
	p.checkLock = false
	d := New(p, config.DefaultDispatch(), nil, nil)
	p.d = d
	require.NoError(t, d.RegisterInputChannel(ch))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	key := func() *input.KeyEvent {
		now := input.Now()
		return &input.KeyEvent{Action: input.KeyActionUp, KeyCode: 5, DownTime: now, EventTime: now}
	}
	set := func(result input.InjectionResult, targets ...InputTarget) {
		p.mu.Lock()
		p.result, p.targets = result, targets
		p.mu.Unlock()
	}

	set(input.InjectionPermissionDenied)
	assert.Equal(t, input.InjectionPermissionDenied,
		d.InjectInputEvent(ctx, key(), 10, 10, input.SyncWaitForResult, time.Second))

	set(input.InjectionSucceeded)
	assert.Equal(t, input.InjectionFailed,
		d.InjectInputEvent(ctx, key(), 10, 10, input.SyncWaitForResult, time.Second))

	set(input.InjectionSucceeded, InputTarget{Channel: ch})
	assert.Equal(t, input.InjectionSucceeded,
		d.InjectInputEvent(ctx, key(), 10, 10, input.SyncWaitForResult, time.Second))

	assert.Equal(t, input.InjectionFailed,
		d.InjectInputEvent(ctx, key(), -1, 10, input.SyncWaitForResult, time.Second))

	bad := key()
	bad.Action = 7
	assert.Equal(t, input.InjectionFailed,
		d.InjectInputEvent(ctx, bad, 10, 10, input.SyncWaitForResult, time.Second))

	for _, r := range []input.InjectionResult{input.InjectionPending, input.InjectionResult(42)} {
		set(r, InputTarget{Channel: ch})
		assert.Equal(t, input.InjectionFailed,
			d.InjectInputEvent(ctx, key(), 10, 10, input.SyncWaitForResult, time.Second),
			"policy result %s", r)
	}

	block := make(chan struct{})
	p.mu.Lock()
	p.block = block
	p.mu.Unlock()
	assert.Equal(t, input.InjectionTimedOut,
		d.InjectInputEvent(ctx, key(), 10, 10, input.SyncWaitForResult, 20*time.Millisecond))
	close(block)
}

func TestInjectionWaitsForFinished(t *testing.T) {
	ch := newFakeChannel("editor")
	p := newFakePolicy(InputTarget{Channel: ch})
	p.checkLock = false
	d := New(p, config.DefaultDispatch(), nil, nil)
	p.d = d
	require.NoError(t, d.RegisterInputChannel(ch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	go func() {
		for ch.published() == 0 {
			time.Sleep(time.Millisecond)
		}
		ch.finish(true)
	}()

	now := input.Now()
	ev := &input.KeyEvent{Action: input.KeyActionDown, KeyCode: 7, DownTime: now, EventTime: now}
	res := d.InjectInputEvent(ctx, ev, 10, 10, input.SyncWaitForFinished, 2*time.Second)
	assert.Equal(t, input.InjectionSucceeded, res)

	require.Eventually(t, func() bool {
		return d.Snapshot().Pools.LiveDispatches == 0
	}, time.Second, 5*time.Millisecond)
}

// pump steps, acknowledging every publication on ch, until nothing is
// queued or pending.
func (h *harness) pump(ch *fakeChannel) {
	for i := 0; i < 32; i++ {
		h.step()
		if h.connection(ch).OutboundDepth == 0 && h.d.Snapshot().InboundDepth == 0 && !h.pendingValid() {
			return
		}
		ch.finish(true)
	}
}

func (c *fakeChannel) repeatCounts() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make([]int32, len(c.keys))
	for i, k := range c.keys {
		counts[i] = k.RepeatCount
	}
	return counts
}

func TestKeyRepeatSynthesis(t *testing.T) {
	ch := newFakeChannel("editor")
	p := newFakePolicy(InputTarget{Channel: ch})
	p.repeatTimeout = 500 * time.Millisecond
	h := newHarness(t, p, func(cfg *config.DispatchConfig) {
		cfg.KeyRepeatDelay = 50 * time.Millisecond
	})
	h.register(t, ch)

	start := h.clock.now()
	require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
	next := h.step()
	assert.Equal(t, start.Add(500*time.Millisecond), next, "first repeat waits for the policy timeout")
	assert.True(t, h.d.Snapshot().KeyRepeatArmed)

	ch.finish(true)
	h.clock.advance(499 * time.Millisecond)
	h.step()
	assert.Equal(t, []int32{0}, ch.repeatCounts(), "no repeat before the timeout")

	h.clock.advance(time.Millisecond)
	next = h.step()
	assert.Equal(t, []int32{0, 1}, ch.repeatCounts())
	assert.Equal(t, h.clock.now().Add(50*time.Millisecond), next, "later repeats use the repeat delay")

	ch.finish(true)
	h.clock.advance(50 * time.Millisecond)
	h.step()
	require.Equal(t, []int32{0, 1, 2}, ch.repeatCounts())

	ch.mu.Lock()
	first, long, later := ch.keys[0].Flags, ch.keys[1].Flags, ch.keys[2].Flags
	ch.mu.Unlock()
	assert.Zero(t, first&input.KeyFlagLongPress)
	assert.NotZero(t, long&input.KeyFlagLongPress, "the first repeat is a long press")
	assert.Zero(t, later&input.KeyFlagLongPress)

	up := h.keyDown(30)
	up.Action = input.KeyActionUp
	require.NoError(t, h.d.NotifyKey(up))
	h.pump(ch)
	assert.False(t, h.d.Snapshot().KeyRepeatArmed, "key up stops repeat")

	h.clock.advance(time.Second)
	h.pump(ch)
	assert.Equal(t, []int32{0, 1, 2, 0}, ch.repeatCounts())
	assert.Zero(t, h.d.Snapshot().Pools.LiveKeys)
}

func TestKeyRepeatArming(t *testing.T) {
	tests := []struct {
		name          string
		repeatTimeout time.Duration
		run           func(h *harness, ch *fakeChannel)
		wantCounts    []int32
		wantArmed     bool
	}{
		{
			name:          "trusted down arms",
			repeatTimeout: time.Second,
			run: func(h *harness, ch *fakeChannel) {
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
			},
			wantCounts: []int32{0},
			wantArmed:  true,
		},
		{
			name:          "zero policy timeout disables repeat",
			repeatTimeout: 0,
			run: func(h *harness, ch *fakeChannel) {
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
			},
			wantCounts: []int32{0},
		},
		{
			name:          "driver repeats turn synthesis off",
			repeatTimeout: time.Second,
			run: func(h *harness, ch *fakeChannel) {
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
				h.pump(ch)
				h.clock.advance(30 * time.Millisecond)
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
			},
			wantCounts: []int32{0, 1},
		},
		{
			name:          "different key rearms",
			repeatTimeout: time.Second,
			run: func(h *harness, ch *fakeChannel) {
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
				require.NoError(t, h.d.NotifyKey(h.keyDown(31)))
			},
			wantCounts: []int32{0, 0},
			wantArmed:  true,
		},
		{
			name:          "injected down never arms",
			repeatTimeout: time.Second,
			run: func(h *harness, ch *fakeChannel) {
				res := h.d.InjectInputEvent(context.Background(), h.keyDown(30), 10, 10, input.SyncNone, 0)
				require.Equal(t, input.InjectionSucceeded, res)
			},
			wantCounts: []int32{0},
		},
		{
			name:          "motion clears repeat",
			repeatTimeout: time.Second,
			run: func(h *harness, ch *fakeChannel) {
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
				require.NoError(t, h.d.NotifyMotion(h.touch(input.MotionActionDown, 0, 5, 5)))
			},
			wantCounts: []int32{0},
		},
		{
			name:          "configuration change clears repeat",
			repeatTimeout: time.Second,
			run: func(h *harness, ch *fakeChannel) {
				require.NoError(t, h.d.NotifyKey(h.keyDown(30)))
				h.d.NotifyConfigurationChanged(h.clock.nanos())
			},
			wantCounts: []int32{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel("editor")
			p := newFakePolicy(InputTarget{Channel: ch})
			p.repeatTimeout = tt.repeatTimeout
			h := newHarness(t, p, nil)
			h.register(t, ch)

			tt.run(h, ch)
			h.pump(ch)

			assert.Equal(t, tt.wantCounts, ch.repeatCounts())
			assert.Equal(t, tt.wantArmed, h.d.Snapshot().KeyRepeatArmed)
		})
	}
}
