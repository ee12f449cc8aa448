package harness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/frankPairs/maelstrom/pkg/wire"
)

// retransmitEvery is how often an unanswered Client.RPC resends, so a
// lossy or briefly partitioned link cannot stall the workload.
const retransmitEvery = 300 * time.Millisecond

// Client drives a workload from outside the cluster, the way an external
// harness would: numbered requests, replies matched by in_reply_to. One
// RPC in flight at a time.
type Client struct {
	ep    *Endpoint
	msgID atomic.Int64
}

func NewClient(n *Net, id string) (*Client, error) {
	ep, err := n.Join(id)
	if err != nil {
		return nil, err
	}
	return &Client{ep: ep}, nil
}

func (c *Client) ID() string   { return c.ep.ID() }
func (c *Client) Close() error { return c.ep.Close() }

// Send fires one envelope without waiting for anything back.
func (c *Client) Send(dest string, body map[string]any) error {
	raw, err := wire.MarshalBody(body)
	if err != nil {
		return err
	}
	return c.ep.Send(wire.Envelope{Src: c.ep.id, Dest: dest, Body: raw})
}

// RPC sends body to dest with a fresh msg_id and blocks until the reply
// arrives or ctx ends, retransmitting the same request on a slow ticker.
// Replies to anything else are discarded while it waits.
func (c *Client) RPC(ctx context.Context, dest string, body map[string]any) (wire.Envelope, error) {
	raw, err := wire.MarshalBody(body)
	if err != nil {
		return wire.Envelope{}, err
	}
	id := c.msgID.Add(1)
	raw, err = wire.WithMsgID(raw, id)
	if err != nil {
		return wire.Envelope{}, err
	}
	env := wire.Envelope{Src: c.ep.id, Dest: dest, Body: raw}
	if err := c.ep.Send(env); err != nil {
		return wire.Envelope{}, err
	}

	rctx, stop := context.WithCancel(ctx)
	defer stop()
	got := make(chan wire.Envelope, 1)
	go func() {
		for {
			reply, ok := c.ep.Recv(rctx)
			if !ok {
				return
			}
			h, err := reply.Header()
			if err != nil || h.InReplyTo != id {
				continue
			}
			got <- reply
			return
		}
	}()

	resend := time.NewTicker(retransmitEvery)
	defer resend.Stop()
	for {
		select {
		case <-ctx.Done():
			return wire.Envelope{}, ctx.Err()
		case <-resend.C:
			if err := c.ep.Send(env); err != nil {
				return wire.Envelope{}, err
			}
		case reply := <-got:
			return reply, nil
		}
	}
}
