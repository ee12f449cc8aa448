// maelstrom-unique-ids mints globally unique ids with no coordination:
// every generate gets an id no other node can ever produce.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/frankPairs/maelstrom/internal/logging"
	"github.com/frankPairs/maelstrom/pkg/ident"
	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/wire"
)

var flLogLevel = flag.String("log-level", "info", "stderr log level (debug, info, warn, error)")

func main() {
	flag.Parse()
	log := logging.New(*flLogLevel)

	n := node.New(node.WithLogger(log))

	var gen *ident.Generator
	n.OnInit(func(ctx context.Context) {
		gen = ident.New(n.ID())
		log.Info("generator_ready", "node", n.ID())
	})
	n.Handle(wire.TypeGenerate, func(ctx context.Context, env wire.Envelope) error {
		return n.Reply(env, map[string]any{
			"type": wire.TypeGenerateOK,
			"id":   gen.Next(),
		})
	})

	if err := n.Run(context.Background()); err != nil {
		log.Error("node_fatal", "err", err)
		os.Exit(1)
	}
}
