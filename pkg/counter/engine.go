package counter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/topology"
	"github.com/frankPairs/maelstrom/pkg/wire"
)

// Engine answers add/read and keeps replicas reconciled by sending its
// full counts map to its neighbors on a timer. Gossip here is
// fire-and-forget: repeating the whole state every tick is the
// anti-entropy, so no ack bookkeeping is needed.
type Engine struct {
	n   *node.Node
	log *slog.Logger

	gossipEvery time.Duration
	policy      topology.Policy

	mu        sync.RWMutex
	c         *Counter
	neighbors []string
}

func NewEngine(n *node.Node, opts ...Option) *Engine {
	e := &Engine{
		n:           n,
		log:         slog.Default(),
		gossipEvery: 100 * time.Millisecond,
		policy:      topology.PolicyGrid,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	n.Handle(wire.TypeAdd, e.handleAdd)
	n.Handle(wire.TypeRead, e.handleRead)
	n.Handle(wire.TypeGossip, e.handleGossip)

	n.OnInit(func(ctx context.Context) {
		e.mu.Lock()
		e.c = New(n.ID())
		e.neighbors = topology.Neighbors(e.policy, n.ID(), n.Peers())
		e.mu.Unlock()
		e.log.Info("counter_ready", "node", n.ID(), "policy", string(e.policy), "neighbors", len(e.neighbors))
		n.Go(e.tickLoop)
	})
	return e
}

// state is valid once init ran; handlers and the tick only run after.
func (e *Engine) state() *Counter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.c
}

// Value reports the current sum, for the simulator and tests.
func (e *Engine) Value() int64 { return e.state().Value() }

// Counts reports the per-node map, for the simulator and tests.
func (e *Engine) Counts() map[string]int64 { return e.state().Counts() }

func (e *Engine) Neighbors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.neighbors))
	copy(out, e.neighbors)
	return out
}

func (e *Engine) handleAdd(ctx context.Context, env wire.Envelope) error {
	var body struct {
		Delta int64 `json:"delta"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}
	if body.Delta < 0 {
		// Grow-only: a negative delta would break the max merge.
		return e.n.Reply(env, wire.NewError(wire.ErrCodeMalformed, "negative delta on a grow-only counter"))
	}
	total := e.state().Add(body.Delta)
	e.log.Debug("counter_add", "node", e.n.ID(), "delta", body.Delta, "local", total)
	return e.n.Reply(env, map[string]any{"type": wire.TypeAddOK})
}

func (e *Engine) handleRead(ctx context.Context, env wire.Envelope) error {
	return e.n.Reply(env, map[string]any{
		"type":  wire.TypeReadOK,
		"value": e.state().Value(),
	})
}

func (e *Engine) handleGossip(ctx context.Context, env wire.Envelope) error {
	var body struct {
		Counts map[string]int64 `json:"counts"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}
	if e.state().MergeAll(body.Counts) {
		e.n.Emit(node.EventCounterMerge, map[string]any{"src": env.Src, "value": e.state().Value()})
		e.log.Debug("counter_merge", "node", e.n.ID(), "src", env.Src, "value", e.state().Value())
	}
	// Our own gossip expects no answer, but a peer that asked with a
	// msg_id gets the map back.
	if h, err := env.Header(); err == nil && h.MsgID != 0 {
		return e.n.Reply(env, map[string]any{
			"type":   wire.TypeGossipOK,
			"counts": e.state().Counts(),
		})
	}
	return nil
}

func (e *Engine) tickLoop(ctx context.Context) {
	t := time.NewTicker(e.gossipEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	counts := e.state().Counts()
	for _, nb := range e.Neighbors() {
		if err := e.n.Send(nb, map[string]any{
			"type":   wire.TypeGossip,
			"counts": counts,
		}); err != nil {
			e.log.Debug("gossip_send_err", "node", e.n.ID(), "dest", nb, "err", err)
			continue
		}
		e.n.Emit(node.EventGossipBatch, map[string]any{"dest": nb, "count": len(counts)})
	}
}
