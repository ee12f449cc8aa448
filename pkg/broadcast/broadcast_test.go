package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/node/testutil"
	"github.com/frankPairs/maelstrom/pkg/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records outbound envelopes and lets tests inject inbound
// ones, optionally scripting the peer's side through onSend.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []wire.Envelope
	in     chan wire.Envelope
	onSend func(env wire.Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan wire.Envelope, 64)}
}

func (f *fakeTransport) Recv(ctx context.Context) (wire.Envelope, bool) {
	select {
	case <-ctx.Done():
		return wire.Envelope{}, false
	case env, ok := <-f.in:
		return env, ok
	}
}

func (f *fakeTransport) Send(env wire.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(env)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) inject(env wire.Envelope) { f.in <- env }

func (f *fakeTransport) setOnSend(cb func(env wire.Envelope)) {
	f.mu.Lock()
	f.onSend = cb
	f.mu.Unlock()
}

func (f *fakeTransport) sentOfType(typ string) []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.sent {
		if env.Type() == typ {
			out = append(out, env)
		}
	}
	return out
}

func envLine(src, dest, body string) wire.Envelope {
	return wire.Envelope{Src: src, Dest: dest, Body: []byte(body)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// startEngine boots n1 in a three node cluster over ft. With the grid
// layout n1 neighbors both n2 and n3. The tick interval is an hour so
// tests drive gossip rounds by hand through e.tick.
func startEngine(t *testing.T, ft *fakeTransport, opts ...Option) (*Engine, *node.Node, func()) {
	t.Helper()
	n := node.New(
		node.WithTransport(ft),
		node.WithLogger(quietLogger()),
		node.WithRequestTimeout(40*time.Millisecond),
		node.WithRequestRetries(0),
	)
	base := []Option{
		WithGossipEvery(time.Hour),
		WithRPCTimeout(40 * time.Millisecond),
		WithLogger(quietLogger()),
	}
	e := New(n, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	ft.inject(envLine("c0", "n1", `{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2","n3"]}`))
	waitFor(t, "init_ok", func() bool { return len(ft.sentOfType("init_ok")) > 0 })

	return e, n, func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
}

func decodeMessages(t *testing.T, env wire.Envelope) []int64 {
	t.Helper()
	var body struct {
		Messages []int64 `json:"messages"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	return body.Messages
}

func TestStoreAddDeduplicates(t *testing.T) {
	s := NewStore()
	if !s.Add(7) {
		t.Fatal("first Add reported known")
	}
	if s.Add(7) {
		t.Fatal("second Add reported new")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestStoreAddAllReportsFresh(t *testing.T) {
	s := NewStore()
	fresh := s.AddAll([]int64{3, 1, 1, 2})
	if len(fresh) != 3 {
		t.Fatalf("fresh = %v, want 3 values", fresh)
	}
	fresh = s.AddAll([]int64{2, 3, 4})
	if len(fresh) != 1 || fresh[0] != 4 {
		t.Fatalf("fresh = %v, want [4]", fresh)
	}
}

func TestStoreSnapshotSortedAndIsolated(t *testing.T) {
	s := NewStore()
	s.AddAll([]int64{5, 1, 3})
	snap := s.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1] >= snap[i] {
			t.Fatalf("snapshot not sorted: %v", snap)
		}
	}
	snap[0] = 999
	if s.Has(999) {
		t.Fatal("mutating a snapshot leaked into the store")
	}
}

func TestStoreMissing(t *testing.T) {
	s := NewStore()
	s.AddAll([]int64{1, 2, 3})
	missing := s.Missing([]int64{2})
	if len(missing) != 2 || missing[0] != 1 || missing[1] != 3 {
		t.Fatalf("Missing = %v, want [1 3]", missing)
	}
	if got := s.Missing([]int64{1, 2, 3}); len(got) != 0 {
		t.Fatalf("Missing of full set = %v, want none", got)
	}
}

func TestBacklogTakeMarksInflight(t *testing.T) {
	bl := newBacklog()
	bl.add(2, 1)
	batch := bl.take(0)
	if len(batch) != 2 || batch[0] != 1 || batch[1] != 2 {
		t.Fatalf("take = %v, want [1 2]", batch)
	}
	if bl.take(0) != nil {
		t.Fatal("take during flight returned a batch")
	}
	bl.ack(batch)
	if bl.size() != 0 {
		t.Fatalf("size after ack = %d", bl.size())
	}
	if bl.take(0) != nil {
		t.Fatal("take on empty backlog returned a batch")
	}
}

func TestBacklogAckKeepsLateValues(t *testing.T) {
	bl := newBacklog()
	bl.add(1)
	batch := bl.take(0)
	bl.add(2)
	bl.ack(batch)
	next := bl.take(0)
	if len(next) != 1 || next[0] != 2 {
		t.Fatalf("value added mid flight lost: %v", next)
	}
}

func TestBacklogNackLeavesQueued(t *testing.T) {
	bl := newBacklog()
	bl.add(1, 2)
	if bl.take(0) == nil {
		t.Fatal("take returned nil")
	}
	bl.nack()
	again := bl.take(0)
	if len(again) != 2 {
		t.Fatalf("after nack take = %v, want both values", again)
	}
}

func TestBacklogTakeCapsBatch(t *testing.T) {
	bl := newBacklog()
	for v := int64(1); v <= 10; v++ {
		bl.add(v)
	}
	batch := bl.take(3)
	if len(batch) != 3 {
		t.Fatalf("capped take = %v, want 3 values", batch)
	}
	bl.ack(batch)
	if bl.size() != 7 {
		t.Fatalf("size after capped ack = %d, want 7", bl.size())
	}
}

func TestBroadcastRepliesImmediatelyAndQueues(t *testing.T) {
	ft := newFakeTransport()
	e, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":42}`))
	waitFor(t, "broadcast_ok", func() bool { return len(ft.sentOfType("broadcast_ok")) > 0 })

	ok := ft.sentOfType("broadcast_ok")[0]
	h, err := ok.Header()
	if err != nil || h.InReplyTo != 5 {
		t.Fatalf("broadcast_ok in_reply_to = %d (%v), want 5", h.InReplyTo, err)
	}
	if !e.store.Has(42) {
		t.Fatal("value not stored")
	}
	sizes := e.BacklogSizes()
	if sizes["n2"] != 1 || sizes["n3"] != 1 {
		t.Fatalf("backlogs = %v, want one value queued per neighbor", sizes)
	}
	if len(ft.sentOfType("gossip")) != 0 {
		t.Fatal("gossip sent before any tick")
	}
}

func TestDuplicateBroadcastNotRequeued(t *testing.T) {
	ft := newFakeTransport()
	e, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":42}`))
	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":6,"message":42}`))
	waitFor(t, "both acks", func() bool { return len(ft.sentOfType("broadcast_ok")) == 2 })

	sizes := e.BacklogSizes()
	if sizes["n2"] != 1 || sizes["n3"] != 1 {
		t.Fatalf("backlogs = %v, duplicate was requeued", sizes)
	}
}

func TestReadReturnsKnownValues(t *testing.T) {
	ft := newFakeTransport()
	_, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":3}`))
	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":6,"message":1}`))
	waitFor(t, "broadcast acks", func() bool { return len(ft.sentOfType("broadcast_ok")) == 2 })

	ft.inject(envLine("c0", "n1", `{"type":"read","msg_id":7}`))
	waitFor(t, "read_ok", func() bool { return len(ft.sentOfType("read_ok")) > 0 })

	got := decodeMessages(t, ft.sentOfType("read_ok")[0])
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("read_ok messages = %v, want [1 3]", got)
	}
}

func TestTopologyOverrideAdoptsAndBackfills(t *testing.T) {
	ft := newFakeTransport()
	e, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":7}`))
	waitFor(t, "broadcast_ok", func() bool { return len(ft.sentOfType("broadcast_ok")) > 0 })

	ft.inject(envLine("c0", "n1", `{"type":"topology","msg_id":6,"topology":{"n1":["n3"],"n2":["n3"],"n3":["n1","n2"]}}`))
	waitFor(t, "topology_ok", func() bool { return len(ft.sentOfType("topology_ok")) > 0 })

	nbs := e.Neighbors()
	if len(nbs) != 1 || nbs[0] != "n3" {
		t.Fatalf("neighbors after override = %v, want [n3]", nbs)
	}
	sizes := e.BacklogSizes()
	if _, ok := sizes["n2"]; ok {
		t.Fatal("dropped neighbor kept a backlog")
	}
	if sizes["n3"] != 1 {
		t.Fatalf("surviving neighbor backlog = %d, want the earlier value queued", sizes["n3"])
	}
}

func TestGossipHandlerMergesAndEchoesFullSet(t *testing.T) {
	ft := newFakeTransport()
	e, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":1}`))
	waitFor(t, "broadcast_ok", func() bool { return len(ft.sentOfType("broadcast_ok")) > 0 })

	ft.inject(envLine("n2", "n1", `{"type":"gossip","msg_id":9,"messages":[2,3]}`))
	waitFor(t, "gossip_ok", func() bool { return len(ft.sentOfType("gossip_ok")) > 0 })

	echo := decodeMessages(t, ft.sentOfType("gossip_ok")[0])
	if len(echo) != 3 || echo[0] != 1 || echo[1] != 2 || echo[2] != 3 {
		t.Fatalf("gossip_ok echoed %v, want the full set [1 2 3]", echo)
	}

	sizes := e.BacklogSizes()
	if sizes["n3"] != 2 {
		t.Fatalf("fresh values not forwarded to n3: %v", sizes)
	}
	if sizes["n2"] != 0 {
		t.Fatalf("fresh values routed back to their sender: %v", sizes)
	}
}

func TestTickSendsOneBatchPerNeighbor(t *testing.T) {
	ft := newFakeTransport()
	e, _, stop := startEngine(t, ft)
	defer stop()

	for i, v := range []int64{10, 20, 30} {
		ft.inject(envLine("c0", "n1", fmt.Sprintf(`{"type":"broadcast","msg_id":%d,"message":%d}`, i+5, v)))
	}
	waitFor(t, "broadcast acks", func() bool { return len(ft.sentOfType("broadcast_ok")) == 3 })

	e.tick(context.Background())
	waitFor(t, "gossip to both neighbors", func() bool { return len(ft.sentOfType("gossip")) == 2 })

	seen := map[string]bool{}
	for _, env := range ft.sentOfType("gossip") {
		if seen[env.Dest] {
			t.Fatalf("neighbor %s got two gossip messages in one round", env.Dest)
		}
		seen[env.Dest] = true
		got := decodeMessages(t, env)
		if len(got) != 3 {
			t.Fatalf("gossip to %s carried %v, want all three values batched", env.Dest, got)
		}
	}
	if !seen["n2"] || !seen["n3"] {
		t.Fatalf("gossip targets = %v", seen)
	}

	// In-flight guard: a second tick before any ack must not resend.
	e.tick(context.Background())
	time.Sleep(10 * time.Millisecond)
	if got := len(ft.sentOfType("gossip")); got != 2 {
		t.Fatalf("tick during flight resent: %d gossip messages", got)
	}
}

func TestGossipAckClearsBacklog(t *testing.T) {
	ft := newFakeTransport()
	ft.setOnSend(func(env wire.Envelope) {
		if env.Type() != wire.TypeGossip {
			return
		}
		h, err := env.Header()
		if err != nil || h.MsgID == 0 {
			return
		}
		var body struct {
			Messages []int64 `json:"messages"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		echoed, _ := json.Marshal(body.Messages)
		ft.inject(envLine(env.Dest, env.Src,
			fmt.Sprintf(`{"type":"gossip_ok","in_reply_to":%d,"messages":%s}`, h.MsgID, echoed)))
	})

	e, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":42}`))
	waitFor(t, "broadcast_ok", func() bool { return len(ft.sentOfType("broadcast_ok")) > 0 })

	e.tick(context.Background())
	waitFor(t, "backlogs drained", func() bool {
		for _, n := range e.BacklogSizes() {
			if n != 0 {
				return false
			}
		}
		return true
	})

	// Nothing left: the next round stays silent.
	before := len(ft.sentOfType("gossip"))
	e.tick(context.Background())
	time.Sleep(10 * time.Millisecond)
	if got := len(ft.sentOfType("gossip")); got != before {
		t.Fatalf("empty backlog still gossiped: %d -> %d", before, got)
	}
}

func TestGossipTimeoutLeavesValuesQueued(t *testing.T) {
	ft := newFakeTransport() // silent peers: no acks ever
	e, _, stop := startEngine(t, ft)
	defer stop()

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":42}`))
	waitFor(t, "broadcast_ok", func() bool { return len(ft.sentOfType("broadcast_ok")) > 0 })

	e.tick(context.Background())
	waitFor(t, "first round sent", func() bool { return len(ft.sentOfType("gossip")) == 2 })

	// Wait out the flight, then retry the round: the value must go again.
	waitFor(t, "flights to time out", func() bool {
		s := e.BacklogSizes()
		return s["n2"] == 1 && s["n3"] == 1
	})
	e.tick(context.Background())
	waitFor(t, "second round sent", func() bool { return len(ft.sentOfType("gossip")) == 4 })
}

func TestGossipEchoRequeuesMissing(t *testing.T) {
	ft := newFakeTransport()
	ft.setOnSend(func(env wire.Envelope) {
		if env.Type() != wire.TypeGossip {
			return
		}
		h, err := env.Header()
		if err != nil || h.MsgID == 0 {
			return
		}
		// The peer claims it only holds 1 and a value of its own, 50.
		ft.inject(envLine(env.Dest, env.Src,
			fmt.Sprintf(`{"type":"gossip_ok","in_reply_to":%d,"messages":[1,50]}`, h.MsgID)))
	})

	e, _, stop := startEngine(t, ft)
	defer stop()

	// Narrow the cluster to a single neighbor so the flight is isolated.
	ft.inject(envLine("c0", "n1", `{"type":"topology","msg_id":4,"topology":{"n1":["n2"]}}`))
	waitFor(t, "topology_ok", func() bool { return len(ft.sentOfType("topology_ok")) > 0 })

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":1}`))
	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":6,"message":2}`))
	waitFor(t, "broadcast acks", func() bool { return len(ft.sentOfType("broadcast_ok")) == 2 })

	e.tick(context.Background())
	waitFor(t, "echoed value learned", func() bool { return e.store.Has(50) })

	// The echo showed n2 never got 2, so 2 is queued again for it.
	waitFor(t, "missing value requeued", func() bool { return e.BacklogSizes()["n2"] == 1 })
	if !e.store.Has(2) {
		t.Fatal("own value lost during echo merge")
	}
}

func TestEngineEmitsGossipEvents(t *testing.T) {
	ft := newFakeTransport()
	ft.setOnSend(func(env wire.Envelope) {
		if env.Type() != wire.TypeGossip {
			return
		}
		h, err := env.Header()
		if err != nil || h.MsgID == 0 {
			return
		}
		var body struct {
			Messages []int64 `json:"messages"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return
		}
		echoed, _ := json.Marshal(body.Messages)
		ft.inject(envLine(env.Dest, env.Src,
			fmt.Sprintf(`{"type":"gossip_ok","in_reply_to":%d,"messages":%s}`, h.MsgID, echoed)))
	})

	ec := testutil.NewEventCollector(256)
	ec.Start()
	defer ec.Stop()

	n := node.New(
		node.WithTransport(ft),
		node.WithLogger(quietLogger()),
		node.WithRequestTimeout(40*time.Millisecond),
		node.WithRequestRetries(0),
		node.WithEvents(ec.Chan()),
	)
	e := New(n,
		WithGossipEvery(time.Hour),
		WithRPCTimeout(40*time.Millisecond),
		WithLogger(quietLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}()

	ft.inject(envLine("c0", "n1", `{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2","n3"]}`))
	waitFor(t, "init_ok", func() bool { return len(ft.sentOfType("init_ok")) > 0 })

	ft.inject(envLine("c0", "n1", `{"type":"broadcast","msg_id":5,"message":42}`))
	learned := ec.WaitFor(2*time.Second, func(evs []node.Event) bool {
		for _, ev := range evs {
			if ev.Type == node.EventValueLearned && ev.Fields["src"] == "c0" && ev.Fields["count"] == 1 {
				return true
			}
		}
		return false
	})
	if !learned {
		t.Fatalf("no value_learned event for the broadcast, saw %v", ec.Snapshot())
	}

	e.tick(context.Background())
	settled := ec.WaitFor(2*time.Second, func(evs []node.Event) bool {
		batches, acks := 0, 0
		for _, ev := range evs {
			switch ev.Type {
			case node.EventGossipBatch:
				batches++
			case node.EventGossipAck:
				acks++
			}
		}
		return batches == 2 && acks == 2
	})
	if !settled {
		t.Fatalf("want one batch and one ack event per neighbor, got batches=%d acks=%d",
			ec.Count(node.EventGossipBatch), ec.Count(node.EventGossipAck))
	}
	for _, ev := range ec.Snapshot() {
		if ev.Type == node.EventGossipAck && ev.Fields["requeued"] != 0 {
			t.Fatalf("full echo still requeued values: %v", ev.Fields)
		}
	}
}
