// Package testutil holds helpers the engine tests share for asserting on
// a node's event stream.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/frankPairs/maelstrom/pkg/node"
)

// EventCollector buffers a node's event stream so tests can assert on it
// without racing the emitters. Pass Chan() to node.WithEvents, then Start.
type EventCollector struct {
	ch     chan node.Event
	notify chan struct{}

	mu  sync.Mutex
	buf []node.Event

	cancel context.CancelFunc
}

func NewEventCollector(buffer int) *EventCollector {
	return &EventCollector{
		ch:     make(chan node.Event, buffer),
		notify: make(chan struct{}, 1),
	}
}

// Chan is the channel to attach with node.WithEvents.
func (ec *EventCollector) Chan() chan node.Event { return ec.ch }

// Start begins buffering. Stop with the returned collector's Stop.
func (ec *EventCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ec.cancel = cancel
	go ec.loop(ctx)
}

// Stop ends the buffering loop. The node keeps dropping events once the
// channel fills, which is fine for teardown.
func (ec *EventCollector) Stop() {
	if ec.cancel != nil {
		ec.cancel()
	}
}

func (ec *EventCollector) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ec.ch:
			ec.mu.Lock()
			ec.buf = append(ec.buf, e)
			select {
			case ec.notify <- struct{}{}:
			default:
			}
			ec.mu.Unlock()
		}
	}
}

// Snapshot returns a copy of buffered events.
func (ec *EventCollector) Snapshot() []node.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]node.Event, len(ec.buf))
	copy(out, ec.buf)
	return out
}

// Count returns how many buffered events have the given type.
func (ec *EventCollector) Count(t node.EventType) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	c := 0
	for _, e := range ec.buf {
		if e.Type == t {
			c++
		}
	}
	return c
}

// WaitFor waits up to timeout for pred to hold over the buffered events.
func (ec *EventCollector) WaitFor(timeout time.Duration, pred func([]node.Event) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		ec.mu.Lock()
		ok := pred(ec.buf)
		ec.mu.Unlock()
		if ok {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ec.notify:
		case <-time.After(remaining):
			return false
		}
	}
}
