// maelstrom-broadcast runs the gossip workload: values broadcast to any
// node reach every node, surviving partitions through acked, retried
// gossip batches.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/frankPairs/maelstrom/internal/logging"
	"github.com/frankPairs/maelstrom/pkg/broadcast"
	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/topology"
)

var (
	flLogLevel    = flag.String("log-level", "info", "stderr log level (debug, info, warn, error)")
	flGossipEvery = flag.Duration("gossip-every", 100*time.Millisecond, "interval between gossip rounds")
	flRPCTimeout  = flag.Duration("rpc-timeout", 250*time.Millisecond, "per-flight gossip ack deadline")
	flMaxBatch    = flag.Int("max-batch", 0, "max values per gossip message (0 = unbounded)")
	flTopology    = flag.String("topology", "grid", "neighbor layout: grid, star, ring or mesh")
)

func main() {
	flag.Parse()
	log := logging.New(*flLogLevel)

	policy, err := topology.ParsePolicy(*flTopology)
	if err != nil {
		log.Error("bad_flag", "flag", "topology", "err", err)
		os.Exit(2)
	}

	n := node.New(node.WithLogger(log))
	broadcast.New(n,
		broadcast.WithGossipEvery(*flGossipEvery),
		broadcast.WithRPCTimeout(*flRPCTimeout),
		broadcast.WithMaxBatch(*flMaxBatch),
		broadcast.WithPolicy(policy),
		broadcast.WithLogger(log),
	)

	if err := n.Run(context.Background()); err != nil {
		log.Error("node_fatal", "err", err)
		os.Exit(1)
	}
}
