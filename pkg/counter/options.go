package counter

import (
	"log/slog"
	"time"

	"github.com/frankPairs/maelstrom/pkg/topology"
)

type Option func(*Engine)

// WithGossipEvery sets the interval between full-state sends.
func WithGossipEvery(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gossipEvery = d
		}
	}
}

// WithPolicy selects the neighbor layout gossip follows.
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
