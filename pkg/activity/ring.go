package activity

import (
	"github.com/emirpasic/gods/queues/circularbuffer"
)

// Ring is a fixed-capacity FIFO. Pushing into a full ring evicts the oldest
// entry first.
type Ring[T any] struct {
	buf *circularbuffer.Queue
	cap int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: circularbuffer.New(capacity), cap: capacity}
}

// Push appends v and reports whether an older entry was evicted to make room.
func (r *Ring[T]) Push(v T) (evicted bool) {
	if r.buf.Full() {
		r.buf.Dequeue()
		evicted = true
	}
	r.buf.Enqueue(v)
	return evicted
}

// Values returns the entries oldest first.
func (r *Ring[T]) Values() []T {
	raw := r.buf.Values()
	out := make([]T, 0, len(raw))
	for _, v := range raw {
		out = append(out, v.(T))
	}
	return out
}

func (r *Ring[T]) Len() int { return r.buf.Size() }

func (r *Ring[T]) Cap() int { return r.cap }

func (r *Ring[T]) Clear() { r.buf.Clear() }
