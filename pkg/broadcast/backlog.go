package broadcast

import (
	"sort"
	"sync"
)

// backlog holds the values one neighbor has not acknowledged yet. Each
// neighbor owns its own lock, so ticks gossiping to different neighbors
// never contend with each other.
type backlog struct {
	mu       sync.Mutex
	pending  map[int64]struct{}
	inflight bool
}

func newBacklog() *backlog {
	return &backlog{pending: make(map[int64]struct{})}
}

func (b *backlog) add(vs ...int64) {
	b.mu.Lock()
	for _, v := range vs {
		b.pending[v] = struct{}{}
	}
	b.mu.Unlock()
}

// take returns the batch for this tick and marks the backlog in flight.
// It returns nil while a previous batch is still on the wire or when
// nothing is pending. max caps the batch size; 0 means everything.
func (b *backlog) take(max int) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight || len(b.pending) == 0 {
		return nil
	}
	out := make([]int64, 0, len(b.pending))
	for v := range b.pending {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	b.inflight = true
	return out
}

// ack clears the delivered batch. Values enqueued while it was on the wire
// stay pending for the next tick.
func (b *backlog) ack(sent []int64) {
	b.mu.Lock()
	for _, v := range sent {
		delete(b.pending, v)
	}
	b.inflight = false
	b.mu.Unlock()
}

// nack ends the flight leaving every value queued; the next tick retries.
func (b *backlog) nack() {
	b.mu.Lock()
	b.inflight = false
	b.mu.Unlock()
}

func (b *backlog) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
