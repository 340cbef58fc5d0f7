// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"sync"
)

// =============================================================================
// Ring Buffer
// =============================================================================

// RingBuffer is a bounded, thread-safe circular buffer.
//
// # Description
//
// RingBuffer keeps the most recent Capacity() items and overwrites the
// oldest one when full. Aurora uses it for every bounded history: the
// healing audit log, alert history, watchdog events, anomaly history,
// sliding-window admission timestamps and the rolling call-latency
// window of a circuit breaker.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Callers that already hold an
// outer lock still pay for the inner mutex; it is uncontended in that case.
//
// # Example
//
//	history := NewRingBuffer[HealingAction](1000)
//	history.Push(action)
//	recent := history.Last(20)
//
// # Limitations
//
//   - Fixed capacity, allocated up front
//   - Overwritten items cannot be recovered
type RingBuffer[T any] struct {
	mu       sync.Mutex
	buffer   []T
	head     int
	size     int
	capacity int
	dropped  int64
}

// NewRingBuffer creates an empty buffer holding up to capacity items.
//
// # Panics
//
// Panics if capacity <= 0.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item as the newest element. It returns true when the
// oldest element was overwritten to make room.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := false
	if r.size == r.capacity {
		var zero T
		r.buffer[r.head] = zero
		r.head = (r.head + 1) % r.capacity
		r.size--
		r.dropped++
		dropped = true
	}

	r.buffer[(r.head+r.size)%r.capacity] = item
	r.size++
	return dropped
}

// Pop removes and returns the oldest element.
func (r *RingBuffer[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *RingBuffer[T]) popLocked() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.buffer[r.head]
	r.buffer[r.head] = zero
	r.head = (r.head + 1) % r.capacity
	r.size--
	return item, true
}

// Peek returns the oldest element without removing it.
func (r *RingBuffer[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buffer[r.head], true
}

// Newest returns the most recently pushed element.
func (r *RingBuffer[T]) Newest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buffer[(r.head+r.size-1)%r.capacity], true
}

// DropWhile pops elements from the oldest end for as long as pred
// returns true and reports how many were removed.
//
// # Description
//
// Used to expire timestamps that fell out of a sliding window: the
// buffer is ordered oldest-first, so expiry stops at the first element
// still inside the window.
//
// # Example
//
//	cutoff := now.Add(-window)
//	stamps.DropWhile(func(ts time.Time) bool { return !ts.After(cutoff) })
func (r *RingBuffer[T]) DropWhile(pred func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for r.size > 0 && pred(r.buffer[r.head]) {
		r.popLocked()
		removed++
	}
	return removed
}

// Snapshot returns a copy of every element, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Last(-1)
}

// Last returns a copy of the newest n elements, oldest first. A negative
// n returns everything.
func (r *RingBuffer[T]) Last(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n < 0 || n > r.size {
		n = r.size
	}
	if n == 0 {
		return []T{}
	}

	out := make([]T, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buffer[(r.head+start+i)%r.capacity]
	}
	return out
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity.
func (r *RingBuffer[T]) Capacity() int {
	return r.capacity
}

// IsFull reports whether the next Push will overwrite an element.
func (r *RingBuffer[T]) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size == r.capacity
}

// DroppedCount returns how many elements have been overwritten since
// creation or the last Clear.
func (r *RingBuffer[T]) DroppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes every element and resets the drop counter.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.head = 0
	r.size = 0
	r.dropped = 0
}
