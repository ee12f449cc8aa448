package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"slices"

	"github.com/frankPairs/maelstrom/pkg/node"
)

// telemetry folds the cluster's event stream into run-level counters. It
// rides the bus like any other consumer; the writer loops feed it
// client-side write latencies directly.
type telemetry struct {
	mu sync.Mutex

	// Message volume
	msgIn     int64
	msgOut    int64
	inByType  map[string]int64
	outByType map[string]int64

	// Gossip progress
	gossipBatches int64
	gossipAcks    int64
	valuesAcked   int64
	requeued      int64
	learned       int64
	merges        int64

	batchSizes []float64

	// Runtime health
	rpcRetries  int64
	rpcTimeouts int64
	strays      int64
	unsupported int64
	handlerErrs int64

	// Workload, recorded by the writers themselves
	writesOK   int64
	writesFail int64
	writeLats  []float64 // seconds

	partitions int64
}

func newTelemetry() *telemetry {
	return &telemetry{
		inByType:  make(map[string]int64),
		outByType: make(map[string]int64),
	}
}

func (t *telemetry) handle(ev node.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Type {
	case node.EventMsgIn:
		t.msgIn++
		if mt, ok := ev.Fields["type"].(string); ok {
			t.inByType[mt]++
		}

	case node.EventMsgOut:
		t.msgOut++
		if mt, ok := ev.Fields["type"].(string); ok {
			t.outByType[mt]++
		}

	case node.EventGossipBatch:
		t.gossipBatches++
		if n, ok := toInt64(ev.Fields["count"]); ok {
			t.batchSizes = append(t.batchSizes, float64(n))
		}

	case node.EventGossipAck:
		t.gossipAcks++
		if n, ok := toInt64(ev.Fields["acked"]); ok {
			t.valuesAcked += n
		}
		if n, ok := toInt64(ev.Fields["requeued"]); ok {
			t.requeued += n
		}

	case node.EventValueLearned:
		if n, ok := toInt64(ev.Fields["count"]); ok {
			t.learned += n
		}

	case node.EventCounterMerge:
		t.merges++

	case node.EventRPCRetry:
		t.rpcRetries++
	case node.EventRPCTimeout:
		t.rpcTimeouts++
	case node.EventStrayReply:
		t.strays++
	case node.EventUnsupported:
		t.unsupported++
	case node.EventHandlerErr:
		t.handlerErrs++
	}
}

func (t *telemetry) noteWrite(seconds float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.writesOK++
		t.writeLats = append(t.writeLats, seconds)
	} else {
		t.writesFail++
	}
}

func (t *telemetry) notePartition() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions++
}

func (t *telemetry) writeMessagesCSV(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"type", "sent", "recv"})

	types := make([]string, 0, len(t.outByType))
	seen := make(map[string]bool, len(t.outByType))
	for mt := range t.outByType {
		types = append(types, mt)
		seen[mt] = true
	}
	for mt := range t.inByType {
		if !seen[mt] {
			types = append(types, mt)
		}
	}
	sort.Strings(types)
	for _, mt := range types {
		_ = w.Write([]string{
			mt,
			fmt.Sprintf("%d", t.outByType[mt]),
			fmt.Sprintf("%d", t.inByType[mt]),
		})
	}
	return nil
}

func (t *telemetry) statsLines() (counts, gossip, run, writes string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts = fmt.Sprintf("Messages(in/out): %d/%d  Learned: %d  Merges: %d",
		t.msgIn, t.msgOut, t.learned, t.merges)

	if len(t.batchSizes) == 0 {
		gossip = "Gossip: (none)"
	} else {
		bp := percentiles(t.batchSizes, 50, 95)
		gossip = fmt.Sprintf(
			"Gossip: batches=%d acks=%d acked_values=%d requeued=%d batch_size[p50/p95]=%.0f/%.0f",
			t.gossipBatches, t.gossipAcks, t.valuesAcked, t.requeued, bp[0], bp[1])
	}

	run = fmt.Sprintf(
		"Runtime: rpc_retries=%d rpc_timeouts=%d stray_replies=%d unsupported=%d handler_errs=%d",
		t.rpcRetries, t.rpcTimeouts, t.strays, t.unsupported, t.handlerErrs)

	if len(t.writeLats) == 0 {
		writes = fmt.Sprintf("WriteRTT(s): n/a  ok=%d failed=%d", t.writesOK, t.writesFail)
	} else {
		wp := percentiles(t.writeLats, 50, 95, 99)
		writes = fmt.Sprintf(
			"WriteRTT(s): mean=%.3f p50=%.3f p95=%.3f p99=%.3f  ok=%d failed=%d",
			meanFloat(t.writeLats), wp[0], wp[1], wp[2], t.writesOK, t.writesFail)
	}
	return
}

func (t *telemetry) partitionCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partitions
}

// helpers

func percentiles(xs []float64, ps ...int) []float64 {
	ys := slices.Clone(xs)
	sort.Float64s(ys)
	out := make([]float64, len(ps))
	for i, p := range ps {
		if len(ys) == 0 {
			out[i] = math.NaN()
			continue
		}
		rank := (float64(p) / 100.0) * float64(len(ys)-1)
		lo := int(math.Floor(rank))
		hi := int(math.Ceil(rank))
		if lo == hi {
			out[i] = ys[lo]
			continue
		}
		frac := rank - float64(lo)
		out[i] = ys[lo]*(1-frac) + ys[hi]*frac
	}
	return out
}

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
