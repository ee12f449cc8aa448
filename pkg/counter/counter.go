// Package counter implements the grow-only counter workload: local adds,
// per-peer max merges, reads that sum the whole map.
package counter

import "sync"

// Counter holds one entry per node. This node's entry only ever rises
// through Add; entries learned from peers move by per-peer max. Merge is
// idempotent, commutative, and associative, so replicas converge no
// matter how gossip interleaves or repeats.
type Counter struct {
	mu     sync.RWMutex
	self   string
	counts map[string]int64
}

func New(self string) *Counter {
	return &Counter{self: self, counts: map[string]int64{self: 0}}
}

// Add raises the local entry by delta and returns its new total.
func (c *Counter) Add(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[c.self] += delta
	return c.counts[c.self]
}

// Merge records peer's total if it is higher than what is already known.
// The local entry never merges; this node is its only writer.
func (c *Counter) Merge(peer string, total int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merge(peer, total)
}

// MergeAll merges a full snapshot and reports whether anything moved.
func (c *Counter) MergeAll(counts map[string]int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for peer, total := range counts {
		if c.merge(peer, total) {
			changed = true
		}
	}
	return changed
}

func (c *Counter) merge(peer string, total int64) bool {
	if peer == c.self {
		return false
	}
	if total <= c.counts[peer] {
		return false
	}
	c.counts[peer] = total
	return true
}

// Value sums every entry.
func (c *Counter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sum int64
	for _, total := range c.counts {
		sum += total
	}
	return sum
}

// Counts returns a copy of the full map, the payload gossip carries.
func (c *Counter) Counts() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counts))
	for peer, total := range c.counts {
		out[peer] = total
	}
	return out
}
