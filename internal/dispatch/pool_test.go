package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/inputd/internal/input"
)

func TestArenaGenerations(t *testing.T) {
	a := newArena(2, func(v *int) { *v = 0 })

	h1, v1 := a.obtain()
	*v1 = 7
	require.True(t, a.release(h1))
	assert.Nil(t, a.get(h1))

	h2, v2 := a.obtain()
	assert.Equal(t, h1.index, h2.index, "freed slot is reused")
	assert.NotEqual(t, h1.gen, h2.gen)
	assert.Zero(t, *v2, "reset runs on release")
	assert.Zero(t, a.refs(h1))
	assert.Panics(t, func() { a.retain(h1) })
	assert.Panics(t, func() { a.release(h1) })
}

func TestArenaRefCounting(t *testing.T) {
	a := newArena[int](2, nil)

	h, _ := a.obtain()
	a.retain(h)
	assert.Equal(t, int32(2), a.refs(h))
	assert.False(t, a.release(h))
	assert.True(t, a.release(h))
	assert.Zero(t, a.live)
}

func TestArenaGrowsInChunks(t *testing.T) {
	a := newArena[int](2, nil)
	var handles []handle
	for i := 0; i < 5; i++ {
		h, v := a.obtain()
		*v = i
		handles = append(handles, h)
	}
	assert.Equal(t, 6, a.capacity())
	assert.Equal(t, 5, a.live)
	for i, h := range handles {
		assert.Equal(t, i, *a.get(h))
	}
	assert.Nil(t, a.get(handle{}))
}

func TestReleasingPendingInjectionFails(t *testing.T) {
	alloc := newAllocator(4)
	ref, k := alloc.obtainKeyEntry(&input.KeyEvent{Action: input.KeyActionDown, KeyCode: 4}, PolicyFlagInjected)
	st := newInjectionState()
	k.injection = st

	alloc.release(ref)
	select {
	case <-st.resultCh:
	default:
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, input.InjectionFailed, st.result)
	assert.Zero(t, alloc.stats().LiveKeys)
}
