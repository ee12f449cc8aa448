// Package ident mints globally unique ids with no coordination and no
// message exchange: node identity, a strictly increasing sequence, a
// hybrid-clock tick, and a per-process tag.
package ident

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces ids for one node. Safe for concurrent use.
type Generator struct {
	node  string
	tag   string
	seq   atomic.Int64
	clock *Clock
}

// New builds a Generator for the given node identity. The tag is minted
// once per process, so two incarnations of the same node cannot collide
// even if sequence and clock were to align.
func New(node string) *Generator {
	return &Generator{
		node:  node,
		tag:   uuid.NewString()[:8],
		clock: NewClock(),
	}
}

// Next returns the next id.
func (g *Generator) Next() string {
	seq := g.seq.Add(1)
	tick := g.clock.Tick()
	return fmt.Sprintf("%s-%d-%d-%s", g.node, seq, tick, g.tag)
}
