// Package buffer provides a bounded ring of recent wire frames used
// for connection diagnostics.
package buffer

import (
	"sync"
	"time"

	"github.com/ai-companion/client/internal/wire"
)

// Record is one captured frame with its arrival time.
type Record struct {
	At    time.Time
	Frame wire.Frame
}

// FrameRing is a thread-safe circular buffer keeping the most recent
// inbound frames up to a fixed capacity. When full, the oldest frame
// is discarded to make room for new ones.
type FrameRing struct {
	mu       sync.RWMutex
	records  []Record
	start    int
	count    int
	capacity int
}

// NewFrameRing creates a ring with the given capacity. A capacity
// below 1 defaults to 1.
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

// Push records a frame, evicting the oldest when the ring is full.
func (r *FrameRing) Push(f wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % r.capacity
	r.records[idx] = Record{At: time.Now(), Frame: f}
	if r.count < r.capacity {
		r.count++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
}

// Recent returns the buffered frames oldest-first. The returned slice
// is a copy and safe to retain.
func (r *FrameRing) Recent() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	out := make([]Record, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.records[(r.start+i)%r.capacity]
	}
	return out
}

// Clear drops all buffered frames.
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.count = 0
}

// Len returns the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *FrameRing) Cap() int {
	return r.capacity
}
