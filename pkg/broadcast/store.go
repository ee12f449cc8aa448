package broadcast

import (
	"sort"
	"sync"
)

// Store is the set of values this node has seen. Append-only for the
// process lifetime; merges from peers only ever add.
type Store struct {
	mu   sync.RWMutex
	vals map[int64]struct{}
}

func NewStore() *Store {
	return &Store{vals: make(map[int64]struct{})}
}

// Add inserts v and reports whether it was new.
func (s *Store) Add(v int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vals[v]; ok {
		return false
	}
	s.vals[v] = struct{}{}
	return true
}

// AddAll unions vs into the set and returns the values that were new.
func (s *Store) AddAll(vs []int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []int64
	for _, v := range vs {
		if _, ok := s.vals[v]; ok {
			continue
		}
		s.vals[v] = struct{}{}
		fresh = append(fresh, v)
	}
	return fresh
}

// Has reports membership.
func (s *Store) Has(v int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vals[v]
	return ok
}

// Snapshot returns a sorted copy, never an alias.
func (s *Store) Snapshot() []int64 {
	s.mu.RLock()
	out := make([]int64, 0, len(s.vals))
	for v := range s.vals {
		out = append(out, v)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing returns the values in the set that are absent from theirs.
func (s *Store) Missing(theirs []int64) []int64 {
	have := make(map[int64]struct{}, len(theirs))
	for _, v := range theirs {
		have[v] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for v := range s.vals {
		if _, ok := have[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the set size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vals)
}
