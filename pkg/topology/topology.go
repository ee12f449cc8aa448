// Package topology computes the neighbor graphs gossip runs over. Every
// node derives the same graph from the same peer list with no coordination:
// peers are sorted first, so the harness's ordering does not matter.
package topology

import (
	"fmt"
	"math"
	"sort"
)

// Policy names a neighbor-graph construction.
type Policy string

const (
	// PolicyGrid arranges peers in a near-square grid and links row and
	// column neighbors. Fanout stays at most 4 while the graph remains
	// connected, which keeps gossip volume sub-quadratic at 25+ nodes.
	PolicyGrid Policy = "grid"
	// PolicyStar links every peer to the first one.
	PolicyStar Policy = "star"
	// PolicyRing links each peer to its successor.
	PolicyRing Policy = "ring"
	// PolicyMesh links everyone to everyone.
	PolicyMesh Policy = "mesh"
)

// ParsePolicy maps a flag value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyGrid, PolicyStar, PolicyRing, PolicyMesh:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown topology policy %q", s)
}

// Neighbors returns self's neighbor set under p. The result is sorted and
// never contains self. An unknown self yields nil.
func Neighbors(p Policy, self string, peers []string) []string {
	return Graph(p, peers)[self]
}

// Graph builds the full adjacency map under p.
func Graph(p Policy, peers []string) map[string][]string {
	ids := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, id := range peers {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g := make(map[string][]string, len(ids))
	for _, id := range ids {
		g[id] = nil
	}
	if len(ids) < 2 {
		return g
	}

	link := func(a, b string) {
		g[a] = append(g[a], b)
		g[b] = append(g[b], a)
	}

	switch p {
	case PolicyStar:
		hub := ids[0]
		for _, id := range ids[1:] {
			link(hub, id)
		}
	case PolicyRing:
		for i := range ids {
			j := (i + 1) % len(ids)
			if i < j || (j == 0 && i == len(ids)-1 && len(ids) > 2) {
				link(ids[i], ids[j])
			}
		}
	case PolicyMesh:
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				link(ids[i], ids[j])
			}
		}
	default: // grid
		cols := int(math.Ceil(math.Sqrt(float64(len(ids)))))
		for i := range ids {
			if c := i % cols; c+1 < cols && i+1 < len(ids) {
				link(ids[i], ids[i+1])
			}
			if i+cols < len(ids) {
				link(ids[i], ids[i+cols])
			}
		}
	}

	for id := range g {
		sort.Strings(g[id])
	}
	return g
}

// Connected reports whether every peer is reachable from the first one.
// The simulator uses it to sanity-check externally supplied topologies.
func Connected(g map[string][]string) bool {
	if len(g) == 0 {
		return true
	}
	var start string
	for id := range g {
		start = id
		break
	}
	seen := map[string]struct{}{start: {}}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range g[cur] {
			if _, ok := seen[nb]; ok {
				continue
			}
			seen[nb] = struct{}{}
			queue = append(queue, nb)
		}
	}
	return len(seen) == len(g)
}

// MaxFanout returns the largest neighbor count in g.
func MaxFanout(g map[string][]string) int {
	max := 0
	for _, nbs := range g {
		if len(nbs) > max {
			max = len(nbs)
		}
	}
	return max
}
