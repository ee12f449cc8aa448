package node

import "time"

type EventType string

const (
	EventInit        EventType = "init"
	EventMsgIn       EventType = "msg_in"
	EventMsgOut      EventType = "msg_out"
	EventRPCRetry    EventType = "rpc_retry"
	EventRPCTimeout  EventType = "rpc_timeout"
	EventStrayReply  EventType = "stray_reply"
	EventUnsupported EventType = "unsupported"
	EventHandlerErr  EventType = "handler_err"
	EventWarn        EventType = "warn"

	// Emitted by the engines riding on the runtime.
	EventValueLearned EventType = "value_learned"
	EventGossipBatch  EventType = "gossip_batch"
	EventGossipAck    EventType = "gossip_ack"
	EventCounterMerge EventType = "counter_merge"
)

type Event struct {
	Time   time.Time
	Node   string
	Type   EventType
	Fields map[string]any
}

// GetType satisfies the event bus subscriber contract.
func (e Event) GetType() string { return string(e.Type) }

// Emit publishes an engine-level event on the node's event channel, if one
// is attached. Safe from any goroutine; drops rather than blocks.
func (n *Node) Emit(t EventType, fields map[string]any) { n.emit(t, fields) }
