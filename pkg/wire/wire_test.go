package wire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	line := []byte(`{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":7,"echo":"hi"}}`)
	env, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Src != "c1" || env.Dest != "n1" {
		t.Fatalf("bad addressing: src=%q dest=%q", env.Src, env.Dest)
	}
	h, err := env.Header()
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Type != "echo" || h.MsgID != 7 {
		t.Fatalf("bad header: %+v", h)
	}
	out, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(out)
	if err != nil {
		t.Fatalf("decode encoded: %v", err)
	}
	if back.Src != env.Src || back.Dest != env.Dest || back.Type() != "echo" {
		t.Fatalf("roundtrip mismatch: %+v", back)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"not json", `{{{`},
		{"json array", `[1,2,3]`},
		{"missing src", `{"dest":"n1","body":{"type":"echo"}}`},
		{"missing dest", `{"src":"c1","body":{"type":"echo"}}`},
		{"missing body", `{"src":"c1","dest":"n1"}`},
		{"body not object", `{"src":"c1","dest":"n1","body":[1]}`},
		{"body missing type", `{"src":"c1","dest":"n1","body":{"msg_id":1}}`},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.line)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: want ErrMalformed, got %v", tc.name, err)
		}
	}
}

func TestWithMsgIDAndReplyTo(t *testing.T) {
	body := json.RawMessage(`{"type":"gossip","messages":[1,2]}`)
	withID, err := WithMsgID(body, 42)
	if err != nil {
		t.Fatalf("with msg_id: %v", err)
	}
	var h Header
	if err := json.Unmarshal(withID, &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.MsgID != 42 || h.Type != "gossip" {
		t.Fatalf("msg_id not injected: %+v", h)
	}

	reply, err := WithInReplyTo(json.RawMessage(`{"type":"gossip_ok"}`), 42)
	if err != nil {
		t.Fatalf("with in_reply_to: %v", err)
	}
	if err := json.Unmarshal(reply, &h); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.InReplyTo != 42 {
		t.Fatalf("in_reply_to not injected: %+v", h)
	}
}

func TestStreamSkipsBadLines(t *testing.T) {
	in := strings.Join([]string{
		`not json at all`,
		``,
		`{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":1}}`,
	}, "\n")
	s := NewStream(strings.NewReader(in), io.Discard)

	env, ok := s.Recv(context.Background())
	if !ok {
		t.Fatal("expected an envelope after skipping bad lines")
	}
	if env.Type() != "echo" {
		t.Fatalf("wrong envelope: %+v", env)
	}
	if _, ok := s.Recv(context.Background()); ok {
		t.Fatal("expected stream end")
	}
}

func TestStreamSendWritesOneLine(t *testing.T) {
	var out strings.Builder
	s := NewStream(strings.NewReader(""), &out)

	env := Envelope{Src: "n1", Dest: "c1", Body: json.RawMessage(`{"type":"echo_ok","in_reply_to":1}`)}
	if err := s.Send(env); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := out.String()
	if !strings.HasSuffix(got, "\n") {
		t.Fatalf("line not newline terminated: %q", got)
	}
	if strings.Count(got, "\n") != 1 {
		t.Fatalf("expected one line, got %q", got)
	}
	if _, err := Decode([]byte(strings.TrimSuffix(got, "\n"))); err != nil {
		t.Fatalf("sent line does not decode: %v", err)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":1}}`))
	f.Add([]byte(`{"src":"","dest":"","body":null}`))
	f.Add([]byte(`{`))
	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := Decode(data)
		if err != nil {
			return
		}
		if _, err := Encode(env); err != nil {
			t.Fatalf("decoded envelope does not encode: %v", err)
		}
	})
}
