package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frankPairs/maelstrom/pkg/broadcast"
	"github.com/frankPairs/maelstrom/pkg/counter"
	"github.com/frankPairs/maelstrom/pkg/harness"
	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/topology"
	"github.com/frankPairs/maelstrom/pkg/wire"
)

const maxPendingLines = 1000

type watchNode struct {
	id   string
	ep   *harness.Endpoint
	n    *node.Node
	be   *broadcast.Engine
	ce   *counter.Engine
	done chan error
}

// liveSource boots a real cluster over the in-process net and exposes it
// to the dashboard. Prompt commands poke it the way an external harness
// would: writes and reads go through clients, cuts go through the net.
type liveSource struct {
	workload string
	net      *harness.Net
	ids      []string
	wns      []*watchNode
	events   chan node.Event

	writer *harness.Client // auto writes and bursts
	ctl    *harness.Client // reads and one-shot writes from the prompt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	nextValue atomic.Int64

	mu     sync.Mutex
	lines  []string
	rate   float64
	parted bool
	link   harness.LinkConfig

	writerMu sync.Mutex // one RPC in flight per client
	ctlMu    sync.Mutex
}

func newLiveSource(workload string, nodes int, policy topology.Policy, gossip time.Duration) (*liveSource, error) {
	if nodes < 1 {
		return nil, fmt.Errorf("need at least 1 node")
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	net := harness.NewNet()
	events := make(chan node.Event, 4096)

	ids := make([]string, nodes)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i+1)
	}

	ls := &liveSource{
		workload: workload,
		net:      net,
		ids:      ids,
		events:   events,
		link:     harness.CleanLink(),
	}

	wns := make([]*watchNode, nodes)
	for i, id := range ids {
		ep, err := net.Join(id)
		if err != nil {
			return nil, err
		}
		wn := &watchNode{id: id, ep: ep, done: make(chan error, 1)}
		wn.n = node.New(
			node.WithTransport(ep),
			node.WithLogger(quiet),
			node.WithEvents(events),
		)
		switch workload {
		case "broadcast":
			wn.be = broadcast.New(wn.n,
				broadcast.WithGossipEvery(gossip),
				broadcast.WithPolicy(policy),
				broadcast.WithLogger(quiet),
			)
		case "counter":
			wn.ce = counter.NewEngine(wn.n,
				counter.WithGossipEvery(gossip),
				counter.WithPolicy(policy),
				counter.WithLogger(quiet),
			)
		}
		wns[i] = wn
	}
	ls.wns = wns

	ctx, cancel := context.WithCancel(context.Background())
	ls.ctx, ls.cancel = ctx, cancel

	if err := bootCluster(ctx, net, wns, ids); err != nil {
		cancel()
		return nil, err
	}

	writer, err := harness.NewClient(net, "w1")
	if err != nil {
		cancel()
		return nil, err
	}
	ctl, err := harness.NewClient(net, "w2")
	if err != nil {
		cancel()
		return nil, err
	}
	ls.writer, ls.ctl = writer, ctl

	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		for ev := range events {
			if line := formatEvent(ev); line != "" {
				ls.pushLine(line)
			}
		}
	}()

	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		ls.writeLoop(ctx)
	}()

	return ls, nil
}

// bootCluster inits every node over a control client and waits for every
// init_ok. Inboxes are preloaded with the inits before any run loop
// starts, so a fast starter's first gossip tick cannot arrive ahead of a
// slow starter's init.
func bootCluster(ctx context.Context, net *harness.Net, wns []*watchNode, ids []string) error {
	ctl, err := net.Join("c0")
	if err != nil {
		return err
	}
	defer ctl.Close()

	peers, _ := json.Marshal(ids)
	for i, id := range ids {
		body := fmt.Sprintf(`{"type":"init","msg_id":%d,"node_id":"%s","node_ids":%s}`, i+1, id, peers)
		if err := ctl.Send(wire.Envelope{Src: "c0", Dest: id, Body: []byte(body)}); err != nil {
			return err
		}
	}
	for _, w := range wns {
		wn := w
		go func() { wn.done <- wn.n.Run(ctx) }()
	}

	ictx, icancel := context.WithTimeout(ctx, 10*time.Second)
	defer icancel()
	for got := 0; got < len(ids); {
		env, ok := ctl.Recv(ictx)
		if !ok {
			return fmt.Errorf("cluster boot timed out (%d/%d inited)", got, len(ids))
		}
		if env.Type() == wire.TypeInitOK {
			got++
		}
	}
	return nil
}

func (ls *liveSource) Title() string {
	return fmt.Sprintf("maelstrom watch: live %s cluster", ls.workload)
}

func (ls *liveSource) Columns() []string {
	if ls.workload == "broadcast" {
		return []string{"node", "known", "backlog", "neighbors"}
	}
	return []string{"node", "value", "entries", "neighbors"}
}

func (ls *liveSource) Rows() [][]string {
	rows := make([][]string, len(ls.wns))
	for i, wn := range ls.wns {
		if wn.be != nil {
			backlog := 0
			for _, n := range wn.be.BacklogSizes() {
				backlog += n
			}
			rows[i] = []string{
				wn.id,
				strconv.Itoa(len(wn.be.Snapshot())),
				strconv.Itoa(backlog),
				strings.Join(wn.be.Neighbors(), " "),
			}
		} else {
			rows[i] = []string{
				wn.id,
				strconv.FormatInt(wn.ce.Value(), 10),
				strconv.Itoa(len(wn.ce.Counts())),
				strings.Join(wn.ce.Neighbors(), " "),
			}
		}
	}
	return rows
}

func (ls *liveSource) Status() (bool, string) {
	ls.mu.Lock()
	rate, parted := ls.rate, ls.parted
	ls.mu.Unlock()
	note := fmt.Sprintf("%s x%d  rate=%.1f/s", ls.workload, len(ls.wns), rate)
	if parted {
		note += "  PARTITIONED"
	}
	return ls.equal(), note
}

func (ls *liveSource) equal() bool {
	if ls.wns[0].be != nil {
		ref := ls.wns[0].be.Snapshot()
		for _, wn := range ls.wns[1:] {
			if !slices.Equal(ref, wn.be.Snapshot()) {
				return false
			}
		}
		return true
	}
	ref := ls.wns[0].ce.Value()
	for _, wn := range ls.wns[1:] {
		if wn.ce.Value() != ref {
			return false
		}
	}
	return true
}

func (ls *liveSource) Drain() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := ls.lines
	ls.lines = nil
	return out
}

func (ls *liveSource) Exec(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "help", "h", "?":
		return helpText(ls.workload), false

	case "quit", "q", "exit":
		return "", true

	case "broadcast", "b":
		if ls.workload != "broadcast" {
			return "this is a counter cluster; use 'add'", false
		}
		if len(args) < 1 {
			return "usage: broadcast <int> [node]", false
		}
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "broadcast wants an integer", false
		}
		dest, ok := ls.pickDest(args, 1)
		if !ok {
			return fmt.Sprintf("no node %q", args[1]), false
		}
		go ls.send(ls.ctl, &ls.ctlMu, dest,
			map[string]any{"type": wire.TypeBroadcast, "message": v},
			fmt.Sprintf("broadcast %d", v), true)
		return "", false

	case "add", "a":
		if ls.workload != "counter" {
			return "this is a broadcast cluster; use 'broadcast'", false
		}
		if len(args) < 1 {
			return "usage: add <delta> [node]", false
		}
		d, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "add wants an integer delta", false
		}
		dest, ok := ls.pickDest(args, 1)
		if !ok {
			return fmt.Sprintf("no node %q", args[1]), false
		}
		go ls.send(ls.ctl, &ls.ctlMu, dest,
			map[string]any{"type": wire.TypeAdd, "delta": d},
			fmt.Sprintf("add %d", d), true)
		return "", false

	case "read", "r":
		dest, ok := ls.pickDest(args, 0)
		if !ok {
			return fmt.Sprintf("no node %q", args[0]), false
		}
		go ls.doRead(dest)
		return "", false

	case "rate":
		if len(args) != 1 {
			return "usage: rate <writes-per-second>", false
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil || v < 0 {
			return "rate wants a non-negative number", false
		}
		ls.mu.Lock()
		ls.rate = v
		ls.mu.Unlock()
		if v == 0 {
			return "auto writes off", false
		}
		return fmt.Sprintf("auto writes at %.1f/s", v), false

	case "burst":
		n := 10
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 1 {
				return "usage: burst [count] [node]", false
			}
			n = v
		}
		fixed, ok := ls.pickDest(args, 1)
		if !ok {
			return fmt.Sprintf("no node %q", args[1]), false
		}
		pinned := len(args) > 1
		go func() {
			for i := 0; i < n; i++ {
				if ls.ctx.Err() != nil {
					return
				}
				dest := fixed
				if !pinned {
					dest = ls.ids[rand.Intn(len(ls.ids))]
				}
				ls.write(dest, false)
			}
			ls.pushLine(fmt.Sprintf("burst done: %d writes", n))
		}()
		return fmt.Sprintf("bursting %d writes", n), false

	case "partition", "part":
		if len(ls.ids) < 2 {
			return "need at least 2 nodes to partition", false
		}
		var groups [][]string
		if len(args) == 0 {
			shuffled := slices.Clone(ls.ids)
			rand.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			cut := len(shuffled) / 2
			groups = [][]string{shuffled[:cut], shuffled[cut:]}
		} else {
			if len(args) < 2 {
				return "usage: partition [n1,n2 n3,n4]", false
			}
			for _, arg := range args {
				g := strings.Split(arg, ",")
				for _, id := range g {
					if !slices.Contains(ls.ids, id) {
						return fmt.Sprintf("no node %q", id), false
					}
				}
				groups = append(groups, g)
			}
		}
		ls.net.Partition(groups...)
		ls.mu.Lock()
		ls.parted = true
		ls.mu.Unlock()
		parts := make([]string, len(groups))
		for i, g := range groups {
			parts[i] = strings.Join(g, ",")
		}
		return "cut: " + strings.Join(parts, " | "), false

	case "heal":
		ls.net.Heal()
		ls.mu.Lock()
		ls.parted = false
		ls.mu.Unlock()
		return "healed", false

	case "loss":
		if len(args) != 1 {
			return "usage: loss <probability>", false
		}
		p, err := strconv.ParseFloat(args[0], 64)
		if err != nil || p < 0 || p > 1 {
			return "loss wants a probability in [0,1]", false
		}
		ls.mu.Lock()
		ls.link.Loss = p
		link := ls.link
		ls.mu.Unlock()
		ls.net.SetDefault(link)
		return fmt.Sprintf("loss=%.2f on every link", p), false

	case "delay":
		if len(args) < 1 {
			return "usage: delay <duration> [jitter]", false
		}
		d, err := time.ParseDuration(args[0])
		if err != nil || d < 0 {
			return "delay wants a duration like 50ms", false
		}
		var j time.Duration
		if len(args) > 1 {
			j, err = time.ParseDuration(args[1])
			if err != nil || j < 0 {
				return "jitter wants a duration like 20ms", false
			}
		}
		ls.mu.Lock()
		ls.link.Delay, ls.link.Jitter = d, j
		link := ls.link
		ls.mu.Unlock()
		ls.net.SetDefault(link)
		return fmt.Sprintf("delay=%s jitter=%s on every link", d, j), false

	default:
		return fmt.Sprintf("unknown command %q (try 'help')", cmd), false
	}
}

func (ls *liveSource) Close() {
	ls.once.Do(func() {
		ls.cancel()
		for _, wn := range ls.wns {
			<-wn.done
			wn.ep.Close()
		}
		ls.writer.Close()
		ls.ctl.Close()
		close(ls.events)
		ls.wg.Wait()
	})
}

// pickDest resolves args[i] to a node id, or picks a random one when the
// argument is absent.
func (ls *liveSource) pickDest(args []string, i int) (string, bool) {
	if len(args) > i {
		if !slices.Contains(ls.ids, args[i]) {
			return "", false
		}
		return args[i], true
	}
	return ls.ids[rand.Intn(len(ls.ids))], true
}

func (ls *liveSource) pushLine(line string) {
	ls.mu.Lock()
	ls.lines = append(ls.lines, line)
	if len(ls.lines) > maxPendingLines {
		ls.lines = ls.lines[len(ls.lines)-maxPendingLines:]
	}
	ls.mu.Unlock()
}

func (ls *liveSource) writeLoop(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		ls.mu.Lock()
		rate := ls.rate
		ls.mu.Unlock()
		if rate <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		sleep := time.Duration(rng.ExpFloat64()/rate*1e9) * time.Nanosecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			ls.write(ls.ids[rng.Intn(len(ls.ids))], false)
		}
	}
}

// write fires one workload-shaped write through the writer client.
func (ls *liveSource) write(dest string, announce bool) {
	var body map[string]any
	var what string
	if ls.workload == "broadcast" {
		v := ls.nextValue.Add(1)
		body = map[string]any{"type": wire.TypeBroadcast, "message": v}
		what = fmt.Sprintf("broadcast %d", v)
	} else {
		d := rand.Int63n(9) + 1
		body = map[string]any{"type": wire.TypeAdd, "delta": d}
		what = fmt.Sprintf("add %d", d)
	}
	ls.send(ls.writer, &ls.writerMu, dest, body, what, announce)
}

func (ls *liveSource) send(client *harness.Client, mu *sync.Mutex, dest string, body map[string]any, what string, announce bool) {
	octx, ocancel := context.WithTimeout(ls.ctx, 2*time.Second)
	defer ocancel()
	mu.Lock()
	reply, err := client.RPC(octx, dest, body)
	mu.Unlock()
	switch {
	case err != nil && ls.ctx.Err() == nil:
		ls.pushLine(fmt.Sprintf("%s -> %s failed: %v", what, dest, err))
	case err == nil && reply.Type() == wire.TypeError:
		var eb wire.ErrorBody
		_ = json.Unmarshal(reply.Body, &eb)
		ls.pushLine(fmt.Sprintf("%s -> %s rejected: %s", what, dest, eb.Text))
	case err == nil && announce:
		ls.pushLine(fmt.Sprintf("%s -> %s ok", what, dest))
	}
}

func (ls *liveSource) doRead(dest string) {
	octx, ocancel := context.WithTimeout(ls.ctx, 2*time.Second)
	defer ocancel()
	ls.ctlMu.Lock()
	reply, err := ls.ctl.RPC(octx, dest, map[string]any{"type": wire.TypeRead})
	ls.ctlMu.Unlock()
	if err != nil {
		if ls.ctx.Err() == nil {
			ls.pushLine(fmt.Sprintf("read %s failed: %v", dest, err))
		}
		return
	}
	var body struct {
		Messages []int64 `json:"messages"`
		Value    *int64  `json:"value"`
	}
	if err := json.Unmarshal(reply.Body, &body); err != nil {
		ls.pushLine(fmt.Sprintf("read %s: bad reply: %v", dest, err))
		return
	}
	if body.Value != nil {
		ls.pushLine(fmt.Sprintf("read %s: value=%d", dest, *body.Value))
		return
	}
	ls.pushLine(fmt.Sprintf("read %s: %d values %s", dest, len(body.Messages), previewInts(body.Messages)))
}

// previewInts keeps long read replies from swamping the log.
func previewInts(xs []int64) string {
	const keep = 12
	if len(xs) <= keep {
		return fmt.Sprint(xs)
	}
	head := make([]string, keep)
	for i := range head {
		head[i] = strconv.FormatInt(xs[i], 10)
	}
	return "[" + strings.Join(head, " ") + " ...]"
}

func formatEvent(ev node.Event) string {
	f := ev.Fields
	switch ev.Type {
	case node.EventMsgIn, node.EventMsgOut:
		return ""
	case node.EventValueLearned:
		return fmt.Sprintf("%s  LEARN   %s got %v from %v", stamp(ev), ev.Node, f["count"], f["src"])
	case node.EventGossipBatch:
		return fmt.Sprintf("%s  GOSSIP  %s -> %v (%v values)", stamp(ev), ev.Node, f["dest"], f["count"])
	case node.EventGossipAck:
		return fmt.Sprintf("%s  ACK     %s <- %v acked=%v requeued=%v", stamp(ev), ev.Node, f["dest"], f["acked"], f["requeued"])
	case node.EventCounterMerge:
		return fmt.Sprintf("%s  MERGE   %s total=%v (from %v)", stamp(ev), ev.Node, f["value"], f["src"])
	case node.EventRPCTimeout:
		return fmt.Sprintf("%s  TIMEOUT %s -> %v after %v tries", stamp(ev), ev.Node, f["dest"], f["attempts"])
	case node.EventHandlerErr:
		return fmt.Sprintf("%s  ERR     %s %v: %v", stamp(ev), ev.Node, f["type"], f["err"])
	default:
		return fmt.Sprintf("%s  %-7s %s %v", stamp(ev), strings.ToUpper(string(ev.Type)), ev.Node, f)
	}
}

func stamp(ev node.Event) string { return ev.Time.Format("15:04:05.000") }

func helpText(workload string) string {
	var b strings.Builder
	b.WriteString("commands:\n")
	if workload == "broadcast" {
		b.WriteString("  broadcast <int> [node]   inject a value\n")
	} else {
		b.WriteString("  add <delta> [node]       bump the counter\n")
	}
	b.WriteString("  read [node]              ask a node for its state\n")
	b.WriteString("  rate <n>                 poisson auto writes per second (0 stops)\n")
	b.WriteString("  burst [count] [node]     fire writes back to back\n")
	b.WriteString("  partition [n1,n2 n3,n4]  cut the net (random halves without args)\n")
	b.WriteString("  heal                     remove every cut\n")
	b.WriteString("  loss <p>                 drop probability on every link\n")
	b.WriteString("  delay <dur> [jitter]     one-way delay on every link\n")
	b.WriteString("  quit")
	return b.String()
}
