package dispatch

// handle names a slot in an arena. gen 0 is never issued, so the zero handle
// is invalid.
type handle struct {
	index uint32
	gen   uint32
}

func (h handle) valid() bool { return h.gen != 0 }

type slot[T any] struct {
	gen  uint32
	refs int32
	live bool
	val  T
}

// arena is a reference-counted object pool. Slots live in fixed-size chunks
// that are never returned to the heap; freed slots are reset in place and
// reused, and their generation is bumped so stale handles stop resolving.
type arena[T any] struct {
	chunks [][]slot[T]
	chunk  int
	free   []uint32
	live   int
	reset  func(*T)
}

func newArena[T any](chunk int, reset func(*T)) *arena[T] {
	if chunk < 1 {
		chunk = 64
	}
	return &arena[T]{chunk: chunk, reset: reset}
}

func (a *arena[T]) slot(index uint32) *slot[T] {
	return &a.chunks[int(index)/a.chunk][int(index)%a.chunk]
}

// obtain returns a fresh entry holding one reference.
func (a *arena[T]) obtain() (handle, *T) {
	if len(a.free) == 0 {
		base := uint32(len(a.chunks) * a.chunk)
		a.chunks = append(a.chunks, make([]slot[T], a.chunk))
		for i := a.chunk - 1; i >= 0; i-- {
			a.free = append(a.free, base+uint32(i))
		}
	}
	index := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]

	s := a.slot(index)
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.refs = 1
	s.live = true
	a.live++
	return handle{index: index, gen: s.gen}, &s.val
}

// lookup returns the slot for h, or nil if h is stale.
func (a *arena[T]) lookup(h handle) *slot[T] {
	if !h.valid() || int(h.index) >= len(a.chunks)*a.chunk {
		return nil
	}
	s := a.slot(h.index)
	if !s.live || s.gen != h.gen {
		return nil
	}
	return s
}

func (a *arena[T]) get(h handle) *T {
	if s := a.lookup(h); s != nil {
		return &s.val
	}
	return nil
}

func (a *arena[T]) refs(h handle) int32 {
	if s := a.lookup(h); s != nil {
		return s.refs
	}
	return 0
}

func (a *arena[T]) retain(h handle) {
	s := a.lookup(h)
	if s == nil {
		panic("dispatch: retain of stale handle")
	}
	s.refs++
}

// release drops one reference and reports whether the slot was freed.
func (a *arena[T]) release(h handle) bool {
	s := a.lookup(h)
	if s == nil {
		panic("dispatch: release of stale handle")
	}
	s.refs--
	if s.refs > 0 {
		return false
	}
	if a.reset != nil {
		a.reset(&s.val)
	}
	s.live = false
	a.live--
	a.free = append(a.free, h.index)
	return true
}

// capacity is the number of slots ever allocated.
func (a *arena[T]) capacity() int {
	return len(a.chunks) * a.chunk
}
