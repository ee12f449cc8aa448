package topology

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func clusterIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i)
	}
	return ids
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"grid", "star", "ring", "mesh"} {
		if _, err := ParsePolicy(s); err != nil {
			t.Fatalf("ParsePolicy(%q): %v", s, err)
		}
	}
	if _, err := ParsePolicy("torus"); err == nil {
		t.Fatal("ParsePolicy accepted an unknown policy")
	}
}

func TestGraphsConnectedAtEverySize(t *testing.T) {
	for _, p := range []Policy{PolicyGrid, PolicyStar, PolicyRing, PolicyMesh} {
		for n := 1; n <= 30; n++ {
			g := Graph(p, clusterIDs(n))
			if len(g) != n {
				t.Fatalf("%s/%d: graph has %d nodes", p, n, len(g))
			}
			if !Connected(g) {
				t.Fatalf("%s/%d: graph not connected", p, n)
			}
		}
	}
}

func TestGraphDeterministicUnderShuffle(t *testing.T) {
	ids := clusterIDs(17)
	want := Graph(PolicyGrid, ids)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := append([]string(nil), ids...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := Graph(PolicyGrid, shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("shuffle %d changed the graph", i)
		}
	}
}

func TestFanoutBounds(t *testing.T) {
	cases := []struct {
		policy Policy
		n      int
		max    int
	}{
		{PolicyGrid, 25, 4},
		{PolicyGrid, 26, 4},
		{PolicyRing, 25, 2},
		{PolicyStar, 25, 24},
		{PolicyMesh, 6, 5},
	}
	for _, tc := range cases {
		g := Graph(tc.policy, clusterIDs(tc.n))
		if got := MaxFanout(g); got > tc.max {
			t.Fatalf("%s/%d: max fanout %d > %d", tc.policy, tc.n, got, tc.max)
		}
	}

	// Grid keeps total edge count linear in N, not quadratic.
	g := Graph(PolicyGrid, clusterIDs(25))
	edges := 0
	for _, nbs := range g {
		edges += len(nbs)
	}
	if edges > 25*4 {
		t.Fatalf("grid edge budget blown: %d half-edges", edges)
	}
}

func TestNeighborsExcludeSelfAndStayInCluster(t *testing.T) {
	ids := clusterIDs(12)
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	for _, p := range []Policy{PolicyGrid, PolicyStar, PolicyRing, PolicyMesh} {
		for _, id := range ids {
			for _, nb := range Neighbors(p, id, ids) {
				if nb == id {
					t.Fatalf("%s: %s is its own neighbor", p, id)
				}
				if !members[nb] {
					t.Fatalf("%s: %s has foreign neighbor %s", p, id, nb)
				}
			}
		}
	}
}

func TestStarShape(t *testing.T) {
	g := Graph(PolicyStar, clusterIDs(10))
	// Sorted order puts n0 first, so it is the hub.
	if got := len(g["n0"]); got != 9 {
		t.Fatalf("hub has %d neighbors, want 9", got)
	}
	for i := 1; i < 10; i++ {
		id := fmt.Sprintf("n%d", i)
		if nbs := g[id]; len(nbs) != 1 || nbs[0] != "n0" {
			t.Fatalf("leaf %s neighbors = %v", id, nbs)
		}
	}
}

func TestSingleAndPairClusters(t *testing.T) {
	for _, p := range []Policy{PolicyGrid, PolicyStar, PolicyRing, PolicyMesh} {
		g := Graph(p, []string{"n0"})
		if len(g["n0"]) != 0 {
			t.Fatalf("%s: singleton has neighbors %v", p, g["n0"])
		}
		g = Graph(p, []string{"n1", "n0"})
		if len(g["n0"]) != 1 || len(g["n1"]) != 1 {
			t.Fatalf("%s: pair graph = %v", p, g)
		}
	}
}

func TestDuplicatePeersIgnored(t *testing.T) {
	g := Graph(PolicyRing, []string{"n0", "n1", "n1", "n2", "n0"})
	if len(g) != 3 {
		t.Fatalf("duplicates leaked into the graph: %v", g)
	}
	if !Connected(g) {
		t.Fatal("graph not connected after dedup")
	}
}
