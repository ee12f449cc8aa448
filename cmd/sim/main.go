// Command sim runs a headless chaos experiment: a cluster of real nodes
// wired over the in-process net, a Poisson write workload, scheduled
// partitions, and telemetry written as CSV plus an optional prometheus
// endpoint. Exit status is 0 only if the cluster converged.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/frankPairs/maelstrom/internal/logging"
	"github.com/frankPairs/maelstrom/pkg/broadcast"
	"github.com/frankPairs/maelstrom/pkg/counter"
	"github.com/frankPairs/maelstrom/pkg/eventbus"
	"github.com/frankPairs/maelstrom/pkg/harness"
	"github.com/frankPairs/maelstrom/pkg/metrics"
	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/topology"
	"github.com/frankPairs/maelstrom/pkg/wire"
)

var (
	tele      = newTelemetry()
	nextValue atomic.Int64
)

var (
	flWorkload = flag.String("workload", "broadcast", "workload to run: broadcast or counter")
	flNodes    = flag.Int("nodes", 5, "cluster size")
	flDuration = flag.Duration("duration", 30*time.Second, "how long the write workload runs")
	flSettle   = flag.Duration("settle", 10*time.Second, "time after the workload stops for the cluster to converge")
	flTopology = flag.String("topology", "grid", "neighbor layout: grid, star, ring or mesh")

	flRate    = flag.Float64("rate", 5, "cluster-wide writes per second (poisson)")
	flWriters = flag.Int("writers", 2, "concurrent workload clients")

	flGossip     = flag.Duration("gossip-every", 100*time.Millisecond, "engine gossip interval")
	flRPCTimeout = flag.Duration("rpc-timeout", 250*time.Millisecond, "broadcast gossip ack deadline")
	flMaxBatch   = flag.Int("max-batch", 0, "max values per gossip message (0 = unbounded)")

	// chaos knobs (every link, both directions)
	flLoss   = flag.Float64("loss", 0.0, "drop probability [0..1]")
	flDup    = flag.Float64("dup", 0.0, "dup probability [0..1]")
	flDelay  = flag.Duration("delay", 0, "base one-way delay")
	flJitter = flag.Duration("jitter", 0, "jitter (+/-)")
	flSeed   = flag.Int64("seed", 0, "chaos rng seed (0 = from the clock)")

	flPartitionEvery = flag.Duration("partition-every", 0, "mean time between random two-way splits (0=off)")
	flHealAfter      = flag.Duration("heal-after", 2*time.Second, "how long each split lasts")

	// output
	flOutDir   = flag.String("out", "out", "output directory")
	flSample   = flag.Duration("sample-every", 500*time.Millisecond, "coverage sampling period")
	flMetrics  = flag.String("metrics-addr", "", "serve prometheus metrics on this address (empty=off)")
	flLogLevel = flag.String("log-level", "warn", "stderr log level for the embedded nodes")

	// diagnostics
	flPrintEvents = flag.Bool("print-events", false, "print selected node events to stdout")
	flTypes       = flag.String("types", "gossip_batch,gossip_ack,value_learned,counter_merge,rpc_timeout,handler_err", "comma-separated event types to print")
)

type simNode struct {
	id   string
	ep   *harness.Endpoint
	n    *node.Node
	be   *broadcast.Engine
	ce   *counter.Engine
	done chan error
}

// cell is the node's column in coverage.csv: how many values it knows for
// the broadcast workload, the summed counter for the counter workload.
func (s *simNode) cell() int64 {
	if s.be != nil {
		return int64(len(s.be.Snapshot()))
	}
	return s.ce.Value()
}

func (s *simNode) backlogTotal() int {
	if s.be == nil {
		return 0
	}
	total := 0
	for _, n := range s.be.BacklogSizes() {
		total += n
	}
	return total
}

// convState tracks when the writers went quiet and when the cluster first
// agreed afterwards.
type convState struct {
	mu              sync.Mutex
	writesStoppedAt time.Time
	convergedAt     time.Time
}

func (c *convState) writesStopped() {
	c.mu.Lock()
	if c.writesStoppedAt.IsZero() {
		c.writesStoppedAt = time.Now()
	}
	c.mu.Unlock()
}

func (c *convState) markConverged() {
	c.mu.Lock()
	if !c.convergedAt.IsZero() || c.writesStoppedAt.IsZero() {
		c.mu.Unlock()
		return
	}
	c.convergedAt = time.Now()
	c.mu.Unlock()
}

func (c *convState) settleSeconds() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.convergedAt.IsZero() || c.writesStoppedAt.IsZero() {
		return 0, false
	}
	diff := c.convergedAt.Sub(c.writesStoppedAt).Seconds()
	if diff < 0 {
		diff = 0
	}
	return diff, true
}

func main() {
	flag.Parse()
	log := logging.New(*flLogLevel)

	if *flNodes < 1 {
		fmt.Fprintln(os.Stderr, "need at least 1 node")
		os.Exit(2)
	}
	if *flWorkload != "broadcast" && *flWorkload != "counter" {
		fmt.Fprintf(os.Stderr, "unknown workload %q\n", *flWorkload)
		os.Exit(2)
	}
	policy, err := topology.ParsePolicy(*flTopology)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := os.MkdirAll(*flOutDir, 0o755); err != nil {
		panic(err)
	}

	seed := *flSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runID := uuid.NewString()[:8]
	log.Info("sim_start", "run", runID, "workload", *flWorkload, "nodes", *flNodes, "topology", policy, "seed", seed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The cluster boots over clean links; chaos starts once every init_ok
	// is in, so no node's first message can be anything but its init.
	net := harness.NewNet(harness.WithSeed(seed))
	events := make(chan node.Event, 8192)

	ids := make([]string, *flNodes)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i+1)
	}

	sns := make([]*simNode, *flNodes)
	for i, id := range ids {
		ep, err := net.Join(id)
		if err != nil {
			panic(err)
		}
		sn := &simNode{id: id, ep: ep, done: make(chan error, 1)}
		sn.n = node.New(
			node.WithTransport(ep),
			node.WithLogger(log),
			node.WithEvents(events),
		)
		switch *flWorkload {
		case "broadcast":
			sn.be = broadcast.New(sn.n,
				broadcast.WithGossipEvery(*flGossip),
				broadcast.WithRPCTimeout(*flRPCTimeout),
				broadcast.WithMaxBatch(*flMaxBatch),
				broadcast.WithPolicy(policy),
				broadcast.WithLogger(log),
			)
		case "counter":
			sn.ce = counter.NewEngine(sn.n,
				counter.WithGossipEvery(*flGossip),
				counter.WithPolicy(policy),
				counter.WithLogger(log),
			)
		}
		sns[i] = sn
	}

	bootCluster(ctx, log, net, sns, ids)

	// telemetry consumers ride the bus
	typeFilter := map[string]bool{}
	if *flTypes != "" {
		for _, t := range strings.Split(*flTypes, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}
	bus := eventbus.New()
	bus.Subscribe(eventbus.NewFuncSubscriber(1024, func(ev eventbus.Event) {
		ne, ok := ev.(node.Event)
		if !ok {
			return
		}
		tele.handle(ne)
		if *flPrintEvents && (len(typeFilter) == 0 || typeFilter[string(ne.Type)]) {
			fmt.Printf("%s %-4s %-16s %v\n", ne.Time.Format(time.RFC3339Nano), ne.Node, ne.Type, ne.Fields)
		}
	}))
	var collector *metrics.Collector
	if *flMetrics != "" {
		collector = metrics.NewCollector()
		bus.Subscribe(collector)
	}
	bus.Start()

	var fwdWG sync.WaitGroup
	fwdWG.Add(1)
	go func() {
		defer fwdWG.Done()
		for ev := range events {
			bus.Publish(ev)
		}
	}()

	var metricsSrv *http.Server
	if collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: *flMetrics, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics_server", "err", err)
			}
		}()
		log.Info("metrics_listening", "addr", *flMetrics)
	}

	// chaos on, now that the cluster is up
	net.SetDefault(harness.LinkConfig{
		Up:     true,
		Loss:   *flLoss,
		Dup:    *flDup,
		Delay:  *flDelay,
		Jitter: *flJitter,
	})

	cs := &convState{}

	// writers
	writersCtx, stopWriters := context.WithCancel(ctx)
	var wWG sync.WaitGroup
	if *flRate > 0 && *flWriters > 0 {
		perWriter := *flRate / float64(*flWriters)
		for i := range *flWriters {
			client, err := harness.NewClient(net, fmt.Sprintf("c%d", i+1))
			if err != nil {
				panic(err)
			}
			rng := rand.New(rand.NewSource(seed + int64(i) + 1))
			wWG.Add(1)
			go func() {
				defer wWG.Done()
				defer client.Close()
				writerLoop(writersCtx, client, ids, rng, perWriter)
			}()
		}
	}

	// partition flapper
	flapCtx, stopFlapper := context.WithCancel(ctx)
	var flapWG sync.WaitGroup
	if *flPartitionEvery > 0 && *flHealAfter > 0 {
		rng := rand.New(rand.NewSource(seed - 1))
		flapWG.Add(1)
		go func() {
			defer flapWG.Done()
			flapLoop(flapCtx, log, net, ids, rng, *flPartitionEvery, *flHealAfter)
		}()
	}

	coverageCSV, sumTxt, closeFiles := mustOpenCSVs(*flOutDir, *flWorkload, ids)
	defer closeFiles()

	// coverage sampler; also feeds the prometheus gauge and notices the
	// moment the quiesced cluster agrees
	samplerCtx, stopSampler := context.WithCancel(context.Background())
	var sampleWG sync.WaitGroup
	sampleWG.Add(1)
	go func() {
		defer sampleWG.Done()
		t := time.NewTicker(*flSample)
		defer t.Stop()
		start := time.Now()
		for {
			select {
			case <-t.C:
				_ = coverageCSV.Write(coverageRow(start, sns))
				coverageCSV.Flush()
				if collector != nil {
					for _, s := range sns {
						collector.SetKnownValues(s.id, int(s.cell()))
					}
				}
				if clusterEqual(sns) {
					cs.markConverged()
				}
			case <-samplerCtx.Done():
				return
			}
		}
	}()

	// run until the duration elapses or someone hits Ctrl-C
	timer := time.NewTimer(*flDuration)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-timer.C:
	case <-sig:
		log.Info("sim_interrupted")
	}

	// quiesce: writers off, partitions healed, then wait for agreement
	stopWriters()
	wWG.Wait()
	cs.writesStopped()
	stopFlapper()
	flapWG.Wait()
	net.Heal()

	settleDeadline := time.Now().Add(*flSettle)
	for {
		if clusterEqual(sns) {
			cs.markConverged()
			break
		}
		if time.Now().After(settleDeadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	// shutdown
	cancel()
	for _, s := range sns {
		if err := <-s.done; err != nil {
			log.Error("node_exit", "node", s.id, "err", err)
		}
		s.ep.Close()
	}
	close(events)
	fwdWG.Wait()
	bus.Stop()
	stopSampler()
	sampleWG.Wait()

	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		scancel()
	}

	// final sample so the CSV tail shows the settled cluster
	_ = coverageCSV.Write(coverageRow(time.Now(), sns))

	writeSummary(sumTxt, runID, seed, net, bus, sns, cs)
	_ = tele.writeMessagesCSV(filepath.Join(*flOutDir, "messages.csv"))

	if _, ok := cs.settleSeconds(); !ok {
		log.Error("sim_diverged", "run", runID)
		closeFiles()
		os.Exit(1)
	}
	log.Info("sim_done", "run", runID)
}

// bootCluster inits every node the way the external harness would, over a
// control client, and waits for every init_ok. Inboxes are preloaded with
// the inits before any run loop starts, so a fast starter's first gossip
// tick cannot arrive ahead of a slow starter's init.
func bootCluster(ctx context.Context, log *slog.Logger, net *harness.Net, sns []*simNode, ids []string) {
	ctl, err := net.Join("c0")
	if err != nil {
		panic(err)
	}
	defer ctl.Close()

	peers, _ := json.Marshal(ids)
	for i, id := range ids {
		body := fmt.Sprintf(`{"type":"init","msg_id":%d,"node_id":"%s","node_ids":%s}`, i+1, id, peers)
		if err := ctl.Send(wire.Envelope{Src: "c0", Dest: id, Body: []byte(body)}); err != nil {
			panic(err)
		}
	}
	for _, s := range sns {
		sn := s
		go func() { sn.done <- sn.n.Run(ctx) }()
	}

	ictx, icancel := context.WithTimeout(ctx, 10*time.Second)
	defer icancel()
	for got := 0; got < len(ids); {
		env, ok := ctl.Recv(ictx)
		if !ok {
			log.Error("cluster_boot_timeout", "inited", got, "want", len(ids))
			os.Exit(1)
		}
		if env.Type() == wire.TypeInitOK {
			got++
		}
	}
}

func writerLoop(ctx context.Context, client *harness.Client, ids []string, rng *rand.Rand, rate float64) {
	for {
		sleep := time.Duration(rng.ExpFloat64()/rate*1e9) * time.Nanosecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			dest := ids[rng.Intn(len(ids))]
			var body map[string]any
			if *flWorkload == "broadcast" {
				body = map[string]any{"type": wire.TypeBroadcast, "message": nextValue.Add(1)}
			} else {
				body = map[string]any{"type": wire.TypeAdd, "delta": rng.Int63n(9) + 1}
			}
			began := time.Now()
			octx, ocancel := context.WithTimeout(ctx, 2*time.Second)
			_, err := client.RPC(octx, dest, body)
			ocancel()
			if errors.Is(err, context.Canceled) {
				return
			}
			tele.noteWrite(time.Since(began).Seconds(), err == nil)
		}
	}
}

// flapLoop splits the node ids into two random groups, holds the cut for
// healAfter, heals, and waits a fresh Exp(meanPeriod) before the next one.
// Clients stay outside the groups, so the workload keeps flowing into both
// sides of every split.
func flapLoop(ctx context.Context, log *slog.Logger, net *harness.Net, ids []string, rng *rand.Rand, meanPeriod, healAfter time.Duration) {
	if len(ids) < 2 {
		return
	}
	lambda := 1.0 / meanPeriod.Seconds()
	for {
		sleep := time.Duration(rng.ExpFloat64()/lambda*1e9) * time.Nanosecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			shuffled := slices.Clone(ids)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			cut := 1 + rng.Intn(len(shuffled)-1)
			a, b := shuffled[:cut], shuffled[cut:]
			net.Partition(a, b)
			tele.notePartition()
			log.Info("partition_cut", "side_a", a, "side_b", b)
			select {
			case <-ctx.Done():
				net.Heal()
				return
			case <-time.After(healAfter):
				net.Heal()
				log.Info("partition_heal")
			}
		}
	}
}

func clusterEqual(sns []*simNode) bool {
	if sns[0].be != nil {
		ref := sns[0].be.Snapshot()
		for _, s := range sns[1:] {
			if !slices.Equal(ref, s.be.Snapshot()) {
				return false
			}
		}
		return true
	}
	ref := sns[0].ce.Value()
	for _, s := range sns[1:] {
		if s.ce.Value() != ref {
			return false
		}
	}
	return true
}

func coverageRow(start time.Time, sns []*simNode) []string {
	row := make([]string, 0, 2+len(sns))
	row = append(row, fmt.Sprintf("%.3f", time.Since(start).Seconds()))
	backlog := 0
	for _, s := range sns {
		row = append(row, fmt.Sprintf("%d", s.cell()))
		backlog += s.backlogTotal()
	}
	if sns[0].be != nil {
		row = append(row, fmt.Sprintf("%d", backlog))
	}
	return row
}

func mustOpenCSVs(dir, workload string, ids []string) (*csv.Writer, *os.File, func()) {
	covF, err := os.Create(filepath.Join(dir, "coverage.csv"))
	if err != nil {
		panic(err)
	}
	sumF, err := os.Create(filepath.Join(dir, "summary.txt"))
	if err != nil {
		panic(err)
	}
	cw := csv.NewWriter(covF)
	_ = cw.Write(headerCoverage(workload, ids))

	closer := func() {
		cw.Flush()
		_ = covF.Close()
		_ = sumF.Close()
	}
	return cw, sumF, closer
}

func headerCoverage(workload string, ids []string) []string {
	h := make([]string, 0, 2+len(ids))
	h = append(h, "t_sec")
	h = append(h, ids...)
	if workload == "broadcast" {
		h = append(h, "backlog_total")
	}
	return h
}

func writeSummary(sumTxt *os.File, runID string, seed int64, net *harness.Net, bus *eventbus.Bus, sns []*simNode, cs *convState) {
	fmt.Fprintf(sumTxt, "Run: %s  Workload: %s  Nodes: %d  Topology: %s  Seed: %d\n",
		runID, *flWorkload, *flNodes, *flTopology, seed)
	fmt.Fprintf(sumTxt, "Duration: %s  Settle: %s  Rate: %.1f/s  Writers: %d  Gossip: %s\n",
		flDuration.String(), flSettle.String(), *flRate, *flWriters, flGossip.String())
	fmt.Fprintf(sumTxt, "Chaos: loss=%.2f dup=%.2f delay=%s jitter=%s partition_every=%s heal_after=%s\n",
		*flLoss, *flDup, flDelay.String(), flJitter.String(), flPartitionEvery.String(), flHealAfter.String())

	counts, gossip, run, writes := tele.statsLines()
	fmt.Fprintln(sumTxt, counts)
	fmt.Fprintln(sumTxt, gossip)
	fmt.Fprintln(sumTxt, run)
	fmt.Fprintln(sumTxt, writes)
	fmt.Fprintf(sumTxt, "Net: delivered=%d dropped=%d  BusDropped: %d  Partitions: %d\n",
		net.Delivered(), net.Dropped(), bus.Dropped(), tele.partitionCount())

	if secs, ok := cs.settleSeconds(); ok {
		fmt.Fprintf(sumTxt, "Convergence(s): %.3f\n", secs)
	} else {
		fmt.Fprintf(sumTxt, "Convergence(s): n/a\n")
	}

	final := make([]string, 0, len(sns))
	for _, s := range sns {
		final = append(final, fmt.Sprintf("%s=%d", s.id, s.cell()))
	}
	fmt.Fprintf(sumTxt, "Final: %s\n", strings.Join(final, " "))
}
