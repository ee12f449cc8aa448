// Command watch opens a terminal dashboard on a cluster. Live mode boots
// real nodes over the in-process net and takes commands at a prompt;
// follow mode tails a coverage.csv another process is writing.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/frankPairs/maelstrom/internal/tui"
	"github.com/frankPairs/maelstrom/pkg/topology"
)

var (
	flFollow   = flag.String("follow", "", "tail a simulator coverage.csv instead of running a cluster")
	flWorkload = flag.String("workload", "broadcast", "live workload: broadcast or counter")
	flNodes    = flag.Int("nodes", 5, "live cluster size")
	flTopology = flag.String("topology", "grid", "neighbor layout: grid, star, ring or mesh")
	flGossip   = flag.Duration("gossip-every", 100*time.Millisecond, "engine gossip interval")
	flRefresh  = flag.Duration("refresh", 500*time.Millisecond, "follow mode poll period")
)

func main() {
	flag.Parse()

	// the alt screen owns the terminal; anything logged through the
	// default logger has nowhere sane to go
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var src tui.Source
	if *flFollow != "" {
		src = newFeedSource(*flFollow, *flRefresh)
	} else {
		if *flWorkload != "broadcast" && *flWorkload != "counter" {
			fmt.Fprintf(os.Stderr, "unknown workload %q\n", *flWorkload)
			os.Exit(2)
		}
		policy, err := topology.ParsePolicy(*flTopology)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		ls, err := newLiveSource(*flWorkload, *flNodes, policy, *flGossip)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		src = ls
	}

	p := tea.NewProgram(tui.New(src))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
