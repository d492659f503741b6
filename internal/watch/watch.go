// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package watch implements a single-slot, last-value-wins broadcast
// cell: one writer, many readers, where a reader only ever observes
// the most recent value at the time of its poll and missed
// intermediate updates are expected and harmless. This is the Go
// stand-in for the source's Tokio `watch` channel (spec.md §4.5,
// §5, §9) — no library in the example corpus offers an equivalent
// primitive, so it is built directly on a mutex and a version
// counter (see DESIGN.md).
package watch

import "sync"

// Cell holds the latest value of type T plus a monotonically
// increasing version stamp.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

// NewCell creates a cell with the given initial value.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial, changed: make(chan struct{})}
}

// Set publishes a new value, waking every receiver currently blocked
// in Changed.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.version++
	closed := c.changed
	c.changed = make(chan struct{})
	c.mu.Unlock()
	close(closed)
}

// Receiver observes a Cell's value, tracking the last version it has
// seen so Changed only wakes on a genuinely new value.
type Receiver[T any] struct {
	cell     *Cell[T]
	lastSeen uint64
}

// NewReceiver returns a Receiver that has not yet observed the cell's
// current value — its first Changed() call returns immediately.
func NewReceiver[T any](c *Cell[T]) *Receiver[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Receiver[T]{cell: c, lastSeen: c.version - 1}
}

// Value returns the cell's current value without marking it seen.
func (r *Receiver[T]) Value() T {
	r.cell.mu.Lock()
	defer r.cell.mu.Unlock()
	return r.cell.value
}

// Changed blocks until the cell's value has changed since the last
// time this receiver observed it, or ctx-like cancellation is
// signaled via the done channel. It returns the new value and true,
// or the zero value and false if done fired first.
func (r *Receiver[T]) Changed(done <-chan struct{}) (T, bool) {
	for {
		r.cell.mu.Lock()
		if r.cell.version != r.lastSeen {
			v := r.cell.value
			r.lastSeen = r.cell.version
			r.cell.mu.Unlock()
			return v, true
		}
		waitCh := r.cell.changed
		r.cell.mu.Unlock()

		select {
		case <-waitCh:
			// loop around and re-check version
		case <-done:
			var zero T
			return zero, false
		}
	}
}
