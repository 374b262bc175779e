// Package ringbuf provides a bounded FIFO ring of values.
package ringbuf

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Ring is a fixed-capacity circular buffer. When full, a push overwrites
// the oldest entry.
//
// Layout: items[head] is the oldest entry, items[(head+count-1)%cap] the newest.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	count int

	// Statistics
	pushCount atomic.Int64
	dropCount atomic.Int64
}

// New creates a ring holding at most capacity values.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, dropping the oldest value if the ring is full.
// Returns true if a value was dropped.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pushCount.Add(1)
	capacity := len(r.items)
	if r.count < capacity {
		r.items[(r.head+r.count)%capacity] = v
		r.count++
		return false
	}

	r.items[r.head] = v
	r.head = (r.head + 1) % capacity
	r.dropCount.Add(1)
	return true
}

// Recent returns up to n values, most recent first. n <= 0 returns all.
func (r *Ring[T]) Recent(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, 0, n)
	capacity := len(r.items)
	for i := 0; i < n; i++ {
		idx := (r.head + r.count - 1 - i + capacity) % capacity
		out = append(out, r.items[idx])
	}
	return out
}

// Snapshot returns all values, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, r.count)
	capacity := len(r.items)
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[(r.head+i)%capacity])
	}
	return out
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Clear drops all values. Statistics are kept.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Stats returns total pushes and total values dropped to make room.
func (r *Ring[T]) Stats() (pushed, dropped int64) {
	return r.pushCount.Load(), r.dropCount.Load()
}
