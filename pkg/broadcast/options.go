package broadcast

import (
	"log/slog"
	"time"

	"github.com/frankPairs/maelstrom/pkg/topology"
)

type Option func(*Engine)

// WithGossipEvery sets the tick interval between gossip rounds.
func WithGossipEvery(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gossipEvery = d
		}
	}
}

// WithRPCTimeout bounds how long a single gossip flight waits for its ack.
func WithRPCTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.rpcTimeout = d
		}
	}
}

// WithMaxBatch caps values per gossip message. Zero means unbounded.
func WithMaxBatch(max int) Option {
	return func(e *Engine) {
		if max >= 0 {
			e.maxBatch = max
		}
	}
}

// WithPolicy selects the default neighbor layout used until an external
// topology message overrides it.
func WithPolicy(p topology.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}
