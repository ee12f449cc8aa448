package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/frankPairs/maelstrom/pkg/wire"
)

// ErrTimeout reports a request whose retries are exhausted. Callers treat
// it as a transient condition and reschedule; it never reaches the harness.
var ErrTimeout = errors.New("request timed out")

// Request sends body to dest with a fresh msg_id and waits for the matching
// reply. Only the calling goroutine suspends. On each timeout the same
// envelope is re-sent, msg_id included, with the deadline roughly doubling
// until the retry budget runs out. timeout <= 0 uses the node default.
func (n *Node) Request(ctx context.Context, dest string, body any, timeout time.Duration) (wire.Envelope, error) {
	if !n.initDone.Load() {
		return wire.Envelope{}, ErrNotInitialized
	}
	if timeout <= 0 {
		timeout = n.reqTimeout
	}

	raw, err := wire.MarshalBody(body)
	if err != nil {
		return wire.Envelope{}, err
	}
	id := n.msgID.Add(1)
	raw, err = wire.WithMsgID(raw, id)
	if err != nil {
		return wire.Envelope{}, err
	}
	env := wire.Envelope{Src: n.id, Dest: dest, Body: raw}

	ch := make(chan wire.Envelope, 1)
	n.pmu.Lock()
	if _, dup := n.pending[id]; dup {
		n.pmu.Unlock()
		return wire.Envelope{}, fmt.Errorf("%w: msg_id %d already pending", ErrProtocolViolation, id)
	}
	n.pending[id] = ch
	n.pmu.Unlock()
	defer n.forget(id)

	wait := timeout
	for attempt := 0; ; attempt++ {
		if err := n.sendRaw(env); err != nil {
			// A failed send behaves like a lost message: wait it out and
			// let the retry budget decide.
			n.log.Warn("send_err", "node", n.id, "dest", dest, "err", err)
		}
		timer := time.NewTimer(wait)
		select {
		case reply := <-ch:
			timer.Stop()
			return reply, nil
		case <-ctx.Done():
			timer.Stop()
			return wire.Envelope{}, ctx.Err()
		case <-timer.C:
		}
		if attempt >= n.reqRetries {
			n.emit(EventRPCTimeout, map[string]any{"dest": dest, "msg_id": id, "attempts": attempt + 1})
			return wire.Envelope{}, fmt.Errorf("%w: %s msg_id=%d after %d attempts", ErrTimeout, dest, id, attempt+1)
		}
		n.emit(EventRPCRetry, map[string]any{"dest": dest, "msg_id": id, "attempt": attempt + 1})
		wait += time.Duration(rand.Int63n(int64(wait)) + 1)
		if n.backoffMax > 0 && wait > n.backoffMax {
			wait = n.backoffMax
		}
	}
}

// resolve hands a reply to the request waiting on its in_reply_to. The
// entry is removed under the lock, so exactly one request can win.
func (n *Node) resolve(id int64, env wire.Envelope) bool {
	n.pmu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.pmu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (n *Node) forget(id int64) {
	n.pmu.Lock()
	delete(n.pending, id)
	n.pmu.Unlock()
}

// PendingRequests reports how many requests are awaiting replies.
func (n *Node) PendingRequests() int {
	n.pmu.Lock()
	defer n.pmu.Unlock()
	return len(n.pending)
}
