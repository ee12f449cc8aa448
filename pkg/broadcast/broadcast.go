// Package broadcast implements the dissemination engine: it answers
// broadcast/read/topology traffic from clients and spreads values to its
// neighbors with batched, acknowledged gossip that keeps retrying across
// partitions until everyone has everything.
package broadcast

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

type Engine struct {
	n   *node.Node
	log *slog.Logger

	gossipEvery time.Duration
	rpcTimeout  time.Duration
	maxBatch    int
	policy      topology.Policy

	store *Store

	mu        sync.RWMutex
	neighbors []string
	backlogs  map[string]*backlog
}

// New wires the engine onto a runtime. Handlers are registered
// immediately; the gossip loop starts once init assigns an identity.
func New(n *node.Node, opts ...Option) *Engine {
	e := &Engine{
		n:           n,
		log:         slog.Default(),
		gossipEvery: 100 * time.Millisecond,
		rpcTimeout:  250 * time.Millisecond,
		policy:      topology.PolicyGrid,
		store:       NewStore(),
		backlogs:    make(map[string]*backlog),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	n.Handle(wire.TypeBroadcast, e.handleBroadcast)
	n.Handle(wire.TypeRead, e.handleRead)
	n.Handle(wire.TypeTopology, e.handleTopology)
	n.Handle(wire.TypeGossip, e.handleGossip)

	n.OnInit(func(ctx context.Context) {
		nbs := topology.Neighbors(e.policy, n.ID(), n.Peers())
		e.setNeighbors(nbs)
		e.log.Info("broadcast_ready", "node", n.ID(), "policy", string(e.policy), "neighbors", len(nbs))
		n.Go(e.tickLoop)
	})
	return e
}

// Snapshot exposes the known values, for reads from the simulator and
// tests. Always a copy.
func (e *Engine) Snapshot() []int64 { return e.store.Snapshot() }

// Neighbors returns the current neighbor set.
func (e *Engine) Neighbors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.neighbors))
	copy(out, e.neighbors)
	return out
}

// setNeighbors swaps the neighbor set. Backlogs of surviving neighbors are
// kept; a brand-new neighbor starts with the full known set queued so a
// late topology change cannot strand earlier values.
func (e *Engine) setNeighbors(nbs []string) {
	snapshot := e.store.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]*backlog, len(nbs))
	for _, nb := range nbs {
		if bl, ok := e.backlogs[nb]; ok {
			next[nb] = bl
			continue
		}
		bl := newBacklog()
		bl.add(snapshot...)
		next[nb] = bl
	}
	e.neighbors = append([]string(nil), nbs...)
	e.backlogs = next
}

// enqueue queues values for every neighbor except the one named, which is
// how re-propagation skips the peer that just told us.
func (e *Engine) enqueue(except string, vs ...int64) {
	if len(vs) == 0 {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for nb, bl := range e.backlogs {
		if nb == except {
			continue
		}
		bl.add(vs...)
	}
}

func (e *Engine) handleBroadcast(ctx context.Context, env wire.Envelope) error {
	var body struct {
		Message int64 `json:"message"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}
	if e.store.Add(body.Message) {
		e.enqueue(env.Src, body.Message)
		e.n.Emit(node.EventValueLearned, map[string]any{"count": 1, "src": env.Src})
		e.log.Debug("value_learned", "node", e.n.ID(), "value", body.Message, "src", env.Src)
	}
	// Propagation runs on the tick; the originator gets its reply now.
	return e.n.Reply(env, map[string]any{"type": wire.TypeBroadcastOK})
}

func (e *Engine) handleRead(ctx context.Context, env wire.Envelope) error {
	return e.n.Reply(env, map[string]any{
		"type":     wire.TypeReadOK,
		"messages": e.store.Snapshot(),
	})
}

func (e *Engine) handleTopology(ctx context.Context, env wire.Envelope) error {
	var body struct {
		Topology map[string][]string `json:"topology"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}
	if nbs, ok := body.Topology[e.n.ID()]; ok {
		e.setNeighbors(nbs)
		e.log.Info("topology_adopted", "node", e.n.ID(), "neighbors", len(nbs))
	} else {
		e.log.Warn("topology_without_self", "node", e.n.ID())
	}
	return e.n.Reply(env, map[string]any{"type": wire.TypeTopologyOK})
}

func (e *Engine) handleGossip(ctx context.Context, env wire.Envelope) error {
	var body struct {
		Messages []int64 `json:"messages"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return err
	}
	if fresh := e.store.AddAll(body.Messages); len(fresh) > 0 {
		// Values that crossed a partition boundary keep traveling, just
		// not back to where they came from.
		e.enqueue(env.Src, fresh...)
		e.n.Emit(node.EventValueLearned, map[string]any{"count": len(fresh), "src": env.Src})
		e.log.Debug("gossip_merge", "node", e.n.ID(), "src", env.Src, "fresh", len(fresh))
	}
	// The ack carries everything we know so the sender can diff and
	// re-queue whatever we are still missing.
	return e.n.Reply(env, map[string]any{
		"type":     wire.TypeGossipOK,
		"messages": e.store.Snapshot(),
	})
}

func (e *Engine) tickLoop(ctx context.Context) {
	t := time.NewTicker(e.gossipEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.tick(ctx)
		}
	}
}

// tick launches at most one gossip flight per neighbor with a non-empty
// backlog. Each flight suspends only its own goroutine.
func (e *Engine) tick(ctx context.Context) {
	e.mu.RLock()
	targets := make(map[string]*backlog, len(e.backlogs))
	for nb, bl := range e.backlogs {
		targets[nb] = bl
	}
	e.mu.RUnlock()

	for nb, bl := range targets {
		batch := bl.take(e.maxBatch)
		if batch == nil {
			continue
		}
		dest, target := nb, bl
		e.n.Go(func(ctx context.Context) {
			e.gossip(ctx, dest, target, batch)
		})
	}
}

func (e *Engine) gossip(ctx context.Context, dest string, bl *backlog, batch []int64) {
	e.n.Emit(node.EventGossipBatch, map[string]any{"dest": dest, "count": len(batch)})
	reply, err := e.n.Request(ctx, dest, map[string]any{
		"type":     wire.TypeGossip,
		"messages": batch,
	}, e.rpcTimeout)
	if err != nil {
		// Unacknowledged values stay queued; the next tick retries them.
		// Partitions land here all the time, so this is debug, not warn.
		bl.nack()
		e.log.Debug("gossip_unacked", "node", e.n.ID(), "dest", dest, "count", len(batch), "err", err)
		return
	}
	bl.ack(batch)

	var ok struct {
		Messages []int64 `json:"messages"`
	}
	if err := json.Unmarshal(reply.Body, &ok); err != nil {
		e.log.Warn("gossip_ok_decode_err", "node", e.n.ID(), "dest", dest, "err", err)
		return
	}
	if fresh := e.store.AddAll(ok.Messages); len(fresh) > 0 {
		e.enqueue(dest, fresh...)
		e.n.Emit(node.EventValueLearned, map[string]any{"count": len(fresh), "src": dest})
	}
	missing := e.store.Missing(ok.Messages)
	if len(missing) > 0 {
		bl.add(missing...)
	}
	e.n.Emit(node.EventGossipAck, map[string]any{"dest": dest, "acked": len(batch), "requeued": len(missing)})
}

// BacklogSizes reports queued value counts per neighbor, for the
// simulator's telemetry.
func (e *Engine) BacklogSizes() map[string]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]int, len(e.backlogs))
	for nb, bl := range e.backlogs {
		out[nb] = bl.size()
	}
	return out
}
