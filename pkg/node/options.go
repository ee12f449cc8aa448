package node

import (
	"log/slog"
	"time"

	"github.com/frankPairs/maelstrom/pkg/wire"
)

// Option configures a Node in New.
type Option func(*Node)

// WithTransport replaces the stdio transport, which tests and the
// simulator do with in-process streams.
func WithTransport(tr wire.Transport) Option {
	return func(n *Node) { n.tr = tr }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

// WithEvents attaches a channel receiving runtime and engine events.
// Delivery is best-effort; size the buffer for the consumer.
func WithEvents(ch chan Event) Option {
	return func(n *Node) { n.events = ch }
}

// WithRequestTimeout sets the first-attempt deadline for Request.
func WithRequestTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.reqTimeout = d
		}
	}
}

// WithRequestRetries sets how many times Request re-sends after the first
// attempt before surfacing a timeout.
func WithRequestRetries(k int) Option {
	return func(n *Node) {
		if k >= 0 {
			n.reqRetries = k
		}
	}
}

// WithBackoffMax caps the per-attempt deadline growth.
func WithBackoffMax(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.backoffMax = d
		}
	}
}
