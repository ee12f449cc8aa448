// Package node implements the runtime every workload shares: it owns the
// node's identity and peer list, reads envelopes off the wire, dispatches
// them to registered handlers, and correlates outbound requests with their
// replies including timeout and retry.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frankPairs/maelstrom/pkg/wire"
)

var (
	// ErrProtocolViolation means the harness broke its own contract, for
	// example traffic before init. It is fatal.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNotInitialized guards sends issued before init assigned an id.
	ErrNotInitialized = errors.New("node not initialized")
)

// HandlerFunc consumes one inbound envelope. Handlers run concurrently
// with each other and with the dispatch loop; anything they share must be
// locked by its owner.
type HandlerFunc func(ctx context.Context, env wire.Envelope) error

type Node struct {
	tr  wire.Transport
	log *slog.Logger

	events chan Event

	reqTimeout time.Duration
	reqRetries int
	backoffMax time.Duration

	// Set once while handling init, before any handler can observe them.
	id    string
	peers []string

	initDone  atomic.Bool
	initHooks []func(ctx context.Context)

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	msgID atomic.Int64

	pmu     sync.Mutex
	pending map[int64]chan wire.Envelope

	wg     sync.WaitGroup
	runCtx context.Context
	cancel context.CancelFunc
}

// New builds a Node with stdio transport and default RPC settings; see
// options.go for the knobs.
func New(opts ...Option) *Node {
	n := &Node{
		log:        slog.Default(),
		reqTimeout: 250 * time.Millisecond,
		reqRetries: 2,
		backoffMax: 2 * time.Second,
		handlers:   make(map[string]HandlerFunc),
		pending:    make(map[int64]chan wire.Envelope),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.tr == nil {
		n.tr = wire.NewStdio()
	}
	return n
}

// ID returns the identity assigned by init, or "" before that.
func (n *Node) ID() string { return n.id }

// Peers returns every node id in the cluster, this node included, in the
// order the harness supplied them.
func (n *Node) Peers() []string {
	out := make([]string, len(n.peers))
	copy(out, n.peers)
	return out
}

// Handle registers h for inbound messages of the given type. The last
// registration for a type wins. Unregistered types get an explicit
// "unsupported message type" error reply.
func (n *Node) Handle(typ string, h HandlerFunc) {
	n.hmu.Lock()
	n.handlers[typ] = h
	n.hmu.Unlock()
}

// OnInit registers fn to run after init assigned this node its identity
// and before any later message is dispatched. Engines use it to start
// their background loops.
func (n *Node) OnInit(fn func(ctx context.Context)) {
	n.initHooks = append(n.initHooks, fn)
}

// Go runs fn on a goroutine the runtime tracks: it is cancelled with the
// node and drained before Run returns. Valid only once Run has started,
// which is when init hooks and handlers execute.
func (n *Node) Go(fn func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.runCtx)
	}()
}

// Run reads envelopes until the stream closes, requiring init first. It
// returns nil on clean shutdown and an error only for fatal protocol or
// invariant violations.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.runCtx = ctx
	defer cancel()

	env, ok := n.tr.Recv(ctx)
	if !ok {
		return nil
	}
	if env.Type() != wire.TypeInit {
		return fmt.Errorf("%w: first message %q, want %q", ErrProtocolViolation, env.Type(), wire.TypeInit)
	}
	if err := n.handleInit(ctx, env); err != nil {
		return err
	}

	for {
		env, ok := n.tr.Recv(ctx)
		if !ok {
			break
		}
		if err := n.dispatch(ctx, env); err != nil {
			cancel()
			n.wg.Wait()
			return err
		}
	}

	// Shutdown aborts retry timers and background loops; backlogs are not
	// flushed.
	cancel()
	n.wg.Wait()
	return nil
}

func (n *Node) handleInit(ctx context.Context, env wire.Envelope) error {
	var body wire.InitBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return fmt.Errorf("%w: init body: %v", ErrProtocolViolation, err)
	}
	if body.NodeID == "" {
		return fmt.Errorf("%w: init without node_id", ErrProtocolViolation)
	}
	n.id = body.NodeID
	n.peers = make([]string, len(body.NodeIDs))
	copy(n.peers, body.NodeIDs)
	n.initDone.Store(true)

	n.log.Info("node_init", "node", n.id, "peers", len(n.peers))
	n.emit(EventInit, map[string]any{"peers": len(n.peers)})

	if err := n.Reply(env, map[string]any{"type": wire.TypeInitOK}); err != nil {
		return fmt.Errorf("init_ok: %w", err)
	}
	for _, fn := range n.initHooks {
		fn(ctx)
	}
	return nil
}

// dispatch routes one envelope. A non-nil return is fatal and stops Run.
func (n *Node) dispatch(ctx context.Context, env wire.Envelope) error {
	h, err := env.Header()
	if err != nil {
		n.log.Warn("wire_decode_err", "node", n.id, "err", err)
		return nil
	}
	if n.events != nil {
		n.emit(EventMsgIn, map[string]any{"type": h.Type, "src": env.Src})
	}

	if h.InReplyTo != 0 {
		if n.resolve(h.InReplyTo, env) {
			return nil
		}
		// A reply whose request already timed out; the next tick covers it.
		n.log.Debug("stray_reply", "node", n.id, "src", env.Src, "in_reply_to", h.InReplyTo)
		n.emit(EventStrayReply, map[string]any{"src": env.Src, "in_reply_to": h.InReplyTo})
		return nil
	}

	if h.Type == wire.TypeInit {
		return fmt.Errorf("%w: duplicate init", ErrProtocolViolation)
	}

	n.hmu.RLock()
	handler, found := n.handlers[h.Type]
	n.hmu.RUnlock()
	if !found {
		n.log.Warn("unsupported_msg", "node", n.id, "type", h.Type, "src", env.Src)
		n.emit(EventUnsupported, map[string]any{"type": h.Type, "src": env.Src})
		if h.MsgID != 0 {
			if err := n.Reply(env, wire.NewError(wire.ErrCodeNotSupported, "unsupported message type")); err != nil {
				n.log.Warn("send_err", "node", n.id, "err", err)
			}
		}
		return nil
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := handler(ctx, env); err != nil {
			n.log.Error("handler_err", "node", n.id, "type", h.Type, "err", err)
			n.emit(EventHandlerErr, map[string]any{"type": h.Type, "err": err.Error()})
		}
	}()
	return nil
}

// Send emits a fire-and-forget envelope. body may be any JSON-marshalable
// value carrying its own "type" field.
func (n *Node) Send(dest string, body any) error {
	if !n.initDone.Load() {
		return ErrNotInitialized
	}
	raw, err := wire.MarshalBody(body)
	if err != nil {
		return err
	}
	return n.sendRaw(wire.Envelope{Src: n.id, Dest: dest, Body: raw})
}

// Reply answers an inbound request, filling in_reply_to from its msg_id.
func (n *Node) Reply(to wire.Envelope, body any) error {
	h, err := to.Header()
	if err != nil {
		return err
	}
	if h.MsgID == 0 {
		return fmt.Errorf("reply to %q without msg_id", h.Type)
	}
	raw, err := wire.MarshalBody(body)
	if err != nil {
		return err
	}
	raw, err = wire.WithInReplyTo(raw, h.MsgID)
	if err != nil {
		return err
	}
	return n.sendRaw(wire.Envelope{Src: n.id, Dest: to.Src, Body: raw})
}

func (n *Node) sendRaw(env wire.Envelope) error {
	if err := n.tr.Send(env); err != nil {
		return fmt.Errorf("send to %s: %w", env.Dest, err)
	}
	if n.events != nil {
		n.emit(EventMsgOut, map[string]any{"type": env.Type(), "dest": env.Dest})
	}
	return nil
}

func (n *Node) emit(t EventType, f map[string]any) {
	if n.events == nil {
		return
	}
	select {
	case n.events <- Event{Time: time.Now(), Node: n.id, Type: t, Fields: f}:
	default: // drop if the consumer is slow
	}
}
