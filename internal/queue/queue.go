// Package queue provides a FIFO ring buffer used for the dispatcher's inbound,
// outbound and command queues.
package queue

// Queue is a growable ring buffer. The zero value is an empty queue ready to
// use. It is not safe for concurrent use.
type Queue[T any] struct {
	buf  []T
	head int
	size int
}

// New returns a queue with room for capacity elements before it grows.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{buf: make([]T, capacity)}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int { return q.size }

// Empty reports whether the queue holds no elements.
func (q *Queue[T]) Empty() bool { return q.size == 0 }

// PushBack appends v at the tail.
func (q *Queue[T]) PushBack(v T) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
}

// PushFront inserts v at the head.
func (q *Queue[T]) PushFront(v T) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = v
	q.size++
}

// PopFront removes and returns the head element.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// Front returns the head element without removing it.
func (q *Queue[T]) Front() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// Back returns the tail element without removing it.
func (q *Queue[T]) Back() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.buf[(q.head+q.size-1)%len(q.buf)], true
}

// At returns the i-th element counted from the head. It panics if i is out
// of range.
func (q *Queue[T]) At(i int) T {
	if i < 0 || i >= q.size {
		panic("queue: index out of range")
	}
	return q.buf[(q.head+i)%len(q.buf)]
}

// Clear drops every element, keeping the backing storage.
func (q *Queue[T]) Clear() {
	var zero T
	for i := 0; i < q.size; i++ {
		q.buf[(q.head+i)%len(q.buf)] = zero
	}
	q.head = 0
	q.size = 0
}

func (q *Queue[T]) grow() {
	n := len(q.buf) * 2
	if n == 0 {
		n = 8
	}
	buf := make([]T, n)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
