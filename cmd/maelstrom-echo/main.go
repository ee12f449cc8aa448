// maelstrom-echo answers every echo with an echo_ok carrying the same
// payload, the smallest complete workload the protocol supports.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/frankPairs/maelstrom/internal/logging"
	"github.com/frankPairs/maelstrom/pkg/node"
	"github.com/frankPairs/maelstrom/pkg/wire"
)

var flLogLevel = flag.String("log-level", "info", "stderr log level (debug, info, warn, error)")

func main() {
	flag.Parse()
	log := logging.New(*flLogLevel)

	n := node.New(node.WithLogger(log))
	n.Handle(wire.TypeEcho, func(ctx context.Context, env wire.Envelope) error {
		var body map[string]any
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return err
		}
		body["type"] = wire.TypeEchoOK
		delete(body, "msg_id")
		return n.Reply(env, body)
	})

	if err := n.Run(context.Background()); err != nil {
		log.Error("node_fatal", "err", err)
		os.Exit(1)
	}
}
