package session

import "sync"

// RingBuffer keeps the most recent entries written to it, so that late
// subscribers can catch up on a session's transcript.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Write adds an entry, evicting the oldest one when full.
func (rb *RingBuffer[T]) Write(v T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = v
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Len reports how many entries are retained.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// ReadAll returns the retained entries oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]T, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]T, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
