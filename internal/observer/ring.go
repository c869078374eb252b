// Package observer is the telemetry fan-in surface: it consumes events
// from the bus into a bounded ring buffer and serves them over HTTP as
// snapshots and live SSE streams.
package observer

import (
	"sync"

	"github.com/harborcrm/harbor/internal/telemetry"
)

// DefaultRingCapacity bounds the in-memory event buffer.
const DefaultRingCapacity = 5000

// Ring is a fixed-capacity event buffer; the oldest event is evicted
// when full. Safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []telemetry.Event
	start int
	count int
}

// NewRing creates a ring with the given capacity; non-positive falls
// back to DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{buf: make([]telemetry.Event, capacity)}
}

// Append adds an event, evicting the oldest when full.
func (r *Ring) Append(event telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = event
		r.count++
		return
	}
	r.buf[r.start] = event
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns all buffered events in arrival order.
func (r *Ring) Snapshot() []telemetry.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]telemetry.Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Tail returns the most recent n events in arrival order.
func (r *Ring) Tail(n int) []telemetry.Event {
	snapshot := r.Snapshot()
	if n <= 0 || n >= len(snapshot) {
		return snapshot
	}
	return snapshot[len(snapshot)-n:]
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear empties the buffer.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.count = 0
}
