package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Transport carries envelopes between a node and whatever drives it. The
// harness speaks newline-delimited JSON over stdio; tests and the simulator
// substitute an in-process implementation.
type Transport interface {
	// Recv blocks until the next envelope arrives. ok is false once the
	// stream is closed or ctx is done; the runtime stops reading then.
	Recv(ctx context.Context) (Envelope, bool)
	Send(env Envelope) error
	Close() error
}

// Lines well past this size mean a runaway sender, not a workload.
const maxLineBytes = 4 << 20

// Stream is a Transport over a line-oriented reader/writer pair. Malformed
// lines are logged and skipped; sends are serialized so concurrent handlers
// never interleave output.
type Stream struct {
	sc  *bufio.Scanner
	mu  sync.Mutex
	w   *bufio.Writer
	c   io.Closer
	log *slog.Logger
}

// NewStdio returns the Transport the harness expects: envelopes in on
// stdin, envelopes out on stdout. Logging must go to stderr.
func NewStdio() *Stream {
	return NewStream(os.Stdin, os.Stdout)
}

// NewStream wraps an arbitrary reader/writer pair, handy for tests that
// drive a node through pipes.
func NewStream(r io.Reader, w io.Writer) *Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	s := &Stream{
		sc:  sc,
		w:   bufio.NewWriter(w),
		log: slog.Default(),
	}
	if c, ok := r.(io.Closer); ok {
		s.c = c
	}
	return s
}

func (s *Stream) Recv(ctx context.Context) (Envelope, bool) {
	for {
		if ctx.Err() != nil {
			return Envelope{}, false
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				s.log.Warn("wire_read_err", "err", err)
			}
			return Envelope{}, false
		}
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := Decode(line)
		if err != nil {
			s.log.Warn("wire_decode_err", "err", err)
			continue
		}
		return env, true
	}
}

func (s *Stream) Send(env Envelope) error {
	out, err := Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(out); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush envelope: %w", err)
	}
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
