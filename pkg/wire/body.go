package wire

// Message types every node understands regardless of workload.
const (
	TypeInit        = "init"
	TypeInitOK      = "init_ok"
	TypeError       = "error"
	TypeEcho        = "echo"
	TypeEchoOK      = "echo_ok"
	TypeGenerate    = "generate"
	TypeGenerateOK  = "generate_ok"
	TypeBroadcast   = "broadcast"
	TypeBroadcastOK = "broadcast_ok"
	TypeRead        = "read"
	TypeReadOK      = "read_ok"
	TypeTopology    = "topology"
	TypeTopologyOK  = "topology_ok"
	TypeGossip      = "gossip"
	TypeGossipOK    = "gossip_ok"
	TypeAdd         = "add"
	TypeAddOK       = "add_ok"
)

// Error codes defined by the harness protocol.
const (
	ErrCodeTimeout      = 0
	ErrCodeNotSupported = 10
	ErrCodeMalformed    = 12
	ErrCodeCrash        = 13
)

// InitBody assigns this node its identity and the full cluster membership.
// It must be the first message a node receives.
type InitBody struct {
	Type    string   `json:"type"`
	MsgID   int64    `json:"msg_id"`
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

// ErrorBody is the one explicit failure reply the protocol allows.
type ErrorBody struct {
	Type      string `json:"type"`
	InReplyTo int64  `json:"in_reply_to,omitempty"`
	Code      int    `json:"code"`
	Text      string `json:"text"`
}

// NewError builds an error body for a reply.
func NewError(code int, text string) ErrorBody {
	return ErrorBody{Type: TypeError, Code: code, Text: text}
}
