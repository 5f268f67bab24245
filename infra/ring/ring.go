// Package ring provides the bounded single-producer single-consumer
// queue between an engine's apply loop and its event drain. The apply
// loop must never block on a slow consumer; a full ring is surfaced to
// the engine, which degrades instead of buffering without bound.
package ring

import "sync/atomic"

// Ring is a lock-free SPSC ring buffer. Exactly one goroutine may call
// Enqueue and exactly one may call Dequeue.
type Ring[T any] struct {
	head  uint64
	_pad1 [56]byte
	tail  uint64
	_pad2 [56]byte
	buf   []T
	mask  uint64
}

// New creates a ring with the given capacity, rounded up to the next
// power of two. Masking needs it; config values often are not.
func New[T any](size uint64) *Ring[T] {
	if size == 0 {
		size = 1
	}
	n := uint64(1)
	for n < size {
		n <<= 1
	}
	return &Ring[T]{
		buf:  make([]T, n),
		mask: n - 1,
	}
}

// Enqueue appends v, returning false when the ring is full.
func (r *Ring[T]) Enqueue(v T) bool {
	h := r.head
	t := atomic.LoadUint64(&r.tail)
	if h-t == uint64(len(r.buf)) {
		return false
	}
	r.buf[h&r.mask] = v
	atomic.StoreUint64(&r.head, h+1)
	return true
}

// Dequeue removes the oldest element, returning false when empty.
func (r *Ring[T]) Dequeue() (T, bool) {
	var zero T
	t := r.tail
	h := atomic.LoadUint64(&r.head)
	if t == h {
		return zero, false
	}
	v := r.buf[t&r.mask]
	r.buf[t&r.mask] = zero
	atomic.StoreUint64(&r.tail, t+1)
	return v, true
}

// Len reports the number of queued elements.
func (r *Ring[T]) Len() uint64 {
	return atomic.LoadUint64(&r.head) - atomic.LoadUint64(&r.tail)
}

// Free reports the remaining capacity.
func (r *Ring[T]) Free() uint64 {
	return uint64(len(r.buf)) - r.Len()
}

// Cap returns the total capacity.
func (r *Ring[T]) Cap() uint64 {
	return uint64(len(r.buf))
}
