// maelstrom-counter runs the grow-only counter workload: per-node adds
// merged across the cluster with fire-and-forget state gossip.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/frankPairs/maelstrom/internal/logging"
	"github.com/frankPairs/maelstrom/pkg/counter"
	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/topology"
)

var (
	flLogLevel    = flag.String("log-level", "info", "stderr log level (debug, info, warn, error)")
	flGossipEvery = flag.Duration("gossip-every", 100*time.Millisecond, "interval between gossip rounds")
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
	counter.NewEngine(n,
		counter.WithGossipEvery(*flGossipEvery),
		counter.WithPolicy(policy),
		counter.WithLogger(log),
	)

	if err := n.Run(context.Background()); err != nil {
		log.Error("node_fatal", "err", err)
		os.Exit(1)
	}
}
