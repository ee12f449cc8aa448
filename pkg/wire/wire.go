// Package wire implements the line-oriented JSON protocol spoken between a
// node and the test harness: one envelope per line, bodies tagged by a
// "type" discriminator, request/reply correlation through msg_id and
// in_reply_to.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed reports input that cannot be decoded into an Envelope.
// Callers log it and skip the line; it is never fatal.
var ErrMalformed = errors.New("malformed message")

// Envelope is one wire message. Body stays raw so each handler can decode
// the shape it expects.
type Envelope struct {
	Src  string          `json:"src"`
	Dest string          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// Header is the part of a body shared by every message type. MsgID is set
// on requests, InReplyTo on replies; zero means absent.
type Header struct {
	Type      string `json:"type"`
	MsgID     int64  `json:"msg_id,omitempty"`
	InReplyTo int64  `json:"in_reply_to,omitempty"`
}

// Decode parses one line into an Envelope and validates the fields every
// message must carry.
func Decode(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Src == "" || env.Dest == "" {
		return Envelope{}, fmt.Errorf("%w: missing src or dest", ErrMalformed)
	}
	if len(env.Body) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	var h Header
	if err := json.Unmarshal(env.Body, &h); err != nil {
		return Envelope{}, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return Envelope{}, fmt.Errorf("%w: body missing type", ErrMalformed)
	}
	return env, nil
}

// Encode renders env as a single line, without the trailing newline.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Header extracts the shared body fields. For envelopes produced by Decode
// this cannot fail; for hand-built ones it reports what Decode would have.
func (e Envelope) Header() (Header, error) {
	var h Header
	if err := json.Unmarshal(e.Body, &h); err != nil {
		return Header{}, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	return h, nil
}

// Type returns the body discriminator, or "" when the body is unreadable.
func (e Envelope) Type() string {
	h, err := e.Header()
	if err != nil {
		return ""
	}
	return h.Type
}

// MarshalBody turns a handler-supplied body value into raw JSON.
func MarshalBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return raw, nil
}

// WithMsgID returns body with its msg_id field set to id.
func WithMsgID(body json.RawMessage, id int64) (json.RawMessage, error) {
	return setField(body, "msg_id", id)
}

// WithInReplyTo returns body with its in_reply_to field set to id.
func WithInReplyTo(body json.RawMessage, id int64) (json.RawMessage, error) {
	return setField(body, "in_reply_to", id)
}

func setField(body json.RawMessage, key string, v any) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	m[key] = v
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return out, nil
}
