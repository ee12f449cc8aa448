package harness

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/frankPairs/maelstrom/pkg/wire"
)

func mustJoin(t *testing.T, n *Net, id string) *Endpoint {
	t.Helper()
	ep, err := n.Join(id)
	if err != nil {
		t.Fatalf("Join(%s): %v", id, err)
	}
	return ep
}

func send(t *testing.T, ep *Endpoint, dest, body string) {
	t.Helper()
	if err := ep.Send(wire.Envelope{Src: ep.ID(), Dest: dest, Body: []byte(body)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func recvWithin(t *testing.T, ep *Endpoint, d time.Duration) (wire.Envelope, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return ep.Recv(ctx)
}

func TestJoinRejectsDuplicateID(t *testing.T) {
	n := NewNet()
	mustJoin(t, n, "n1")
	if _, err := n.Join("n1"); err == nil {
		t.Fatal("duplicate Join succeeded")
	}
}

func TestDeliveryBetweenEndpoints(t *testing.T) {
	n := NewNet()
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	send(t, a, "n2", `{"type":"hello"}`)
	env, ok := recvWithin(t, b, time.Second)
	if !ok {
		t.Fatal("nothing delivered")
	}
	if env.Src != "n1" || env.Type() != "hello" {
		t.Fatalf("wrong envelope: %+v", env)
	}
	if n.Delivered() != 1 {
		t.Fatalf("Delivered = %d, want 1", n.Delivered())
	}
}

func TestUnknownDestinationVanishes(t *testing.T) {
	n := NewNet()
	a := mustJoin(t, n, "n1")
	send(t, a, "ghost", `{"type":"hello"}`)
	if n.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", n.Dropped())
	}
}

func TestPartitionBlocksUntilHeal(t *testing.T) {
	n := NewNet()
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	n.Partition([]string{"n1"}, []string{"n2"})
	send(t, a, "n2", `{"type":"hello"}`)
	if _, ok := recvWithin(t, b, 50*time.Millisecond); ok {
		t.Fatal("message crossed a partition")
	}

	n.Heal()
	send(t, a, "n2", `{"type":"hello"}`)
	if _, ok := recvWithin(t, b, time.Second); !ok {
		t.Fatal("healed link still down")
	}
}

func TestPartitionLeavesInGroupLinksAlone(t *testing.T) {
	n := NewNet()
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")
	mustJoin(t, n, "n3")

	n.Partition([]string{"n1", "n2"}, []string{"n3"})
	send(t, a, "n2", `{"type":"hello"}`)
	if _, ok := recvWithin(t, b, time.Second); !ok {
		t.Fatal("in-group link severed")
	}

	// An id outside every group keeps talking to both sides.
	c := mustJoin(t, n, "c0")
	send(t, c, "n1", `{"type":"hello"}`)
	if _, ok := recvWithin(t, a, time.Second); !ok {
		t.Fatal("unlisted id lost its link into a group")
	}
}

func TestFullLossDropsEverything(t *testing.T) {
	n := NewNet(WithSeed(1), WithDefaultLink(LinkConfig{Up: true, Loss: 1}))
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	for i := 0; i < 10; i++ {
		send(t, a, "n2", `{"type":"hello"}`)
	}
	if _, ok := recvWithin(t, b, 50*time.Millisecond); ok {
		t.Fatal("message survived loss=1")
	}
	if n.Dropped() != 10 {
		t.Fatalf("Dropped = %d, want 10", n.Dropped())
	}
}

func TestFullDupDeliversTwice(t *testing.T) {
	n := NewNet(WithSeed(1), WithDefaultLink(LinkConfig{Up: true, Dup: 1}))
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	send(t, a, "n2", `{"type":"hello"}`)
	if _, ok := recvWithin(t, b, time.Second); !ok {
		t.Fatal("first copy missing")
	}
	if _, ok := recvWithin(t, b, time.Second); !ok {
		t.Fatal("duplicate copy missing")
	}
}

func TestDelayDefersDelivery(t *testing.T) {
	n := NewNet(WithDefaultLink(LinkConfig{Up: true, Delay: 60 * time.Millisecond}))
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	send(t, a, "n2", `{"type":"hello"}`)
	if _, ok := recvWithin(t, b, 10*time.Millisecond); ok {
		t.Fatal("delayed message arrived early")
	}
	if _, ok := recvWithin(t, b, time.Second); !ok {
		t.Fatal("delayed message never arrived")
	}
}

func TestSetLinkIsDirectional(t *testing.T) {
	n := NewNet()
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	n.SetLink("n1", "n2", LinkConfig{})
	send(t, a, "n2", `{"type":"hello"}`)
	if _, ok := recvWithin(t, b, 50*time.Millisecond); ok {
		t.Fatal("severed direction delivered")
	}
	send(t, b, "n1", `{"type":"hello"}`)
	if _, ok := recvWithin(t, a, time.Second); !ok {
		t.Fatal("reverse direction affected")
	}
}

func TestClosedEndpointStopsSendingAndReceiving(t *testing.T) {
	n := NewNet()
	a := mustJoin(t, n, "n1")
	b := mustJoin(t, n, "n2")

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := recvWithin(t, b, 10*time.Millisecond); ok {
		t.Fatal("Recv on closed endpoint returned a message")
	}
	if err := b.Send(wire.Envelope{Dest: "n1", Body: []byte(`{"type":"x"}`)}); err == nil {
		t.Fatal("Send on closed endpoint succeeded")
	}
	// The id is gone from the net, so traffic to it just vanishes.
	send(t, a, "n2", `{"type":"hello"}`)
	if n.Dropped() == 0 {
		t.Fatal("send to departed id not counted as dropped")
	}
}

func TestClientRPCMatchesReply(t *testing.T) {
	n := NewNet()
	srv := mustJoin(t, n, "n1")
	go func() {
		ctx := context.Background()
		for {
			env, ok := srv.Recv(ctx)
			if !ok {
				return
			}
			h, err := env.Header()
			if err != nil || h.MsgID == 0 {
				continue
			}
			_ = srv.Send(wire.Envelope{Src: "n1", Dest: env.Src,
				Body: []byte(fmt.Sprintf(`{"type":"pong","in_reply_to":%d}`, h.MsgID))})
		}
	}()
	defer srv.Close()

	c, err := NewClient(n, "c0")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.RPC(ctx, "n1", map[string]any{"type": "ping"})
	if err != nil {
		t.Fatalf("RPC: %v", err)
	}
	if reply.Type() != "pong" || reply.Src != "n1" {
		t.Fatalf("wrong reply: %+v", reply)
	}
}

func TestClientRPCRetransmitsThroughPartition(t *testing.T) {
	n := NewNet()
	srv := mustJoin(t, n, "n1")
	go func() {
		ctx := context.Background()
		for {
			env, ok := srv.Recv(ctx)
			if !ok {
				return
			}
			h, err := env.Header()
			if err != nil || h.MsgID == 0 {
				continue
			}
			_ = srv.Send(wire.Envelope{Src: "n1", Dest: env.Src,
				Body: []byte(fmt.Sprintf(`{"type":"pong","in_reply_to":%d}`, h.MsgID))})
		}
	}()
	defer srv.Close()

	c, err := NewClient(n, "c0")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	n.Partition([]string{"c0"}, []string{"n1"})
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := c.RPC(ctx, "n1", map[string]any{"type": "ping"})
		done <- err
	}()

	// Let the first send and at least one retransmit hit the cut.
	time.Sleep(400 * time.Millisecond)
	n.Heal()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RPC after heal: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RPC never completed after heal")
	}
}
