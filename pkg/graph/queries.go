package graph

import (
	"sort"

	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// Ancestors returns what id depends on, directly or transitively, in
// breadth-first order. maxDepth <= 0 means unbounded.
func (g *Graph) Ancestors(id string, maxDepth int) []string {
	return g.walk(id, maxDepth, g.out, func(e Edge) string { return e.To })
}

// Dependents returns everything that depends on id, directly or transitively.
func (g *Graph) Dependents(id string, maxDepth int) []string {
	return g.walk(id, maxDepth, g.in, func(e Edge) string { return e.From })
}

func (g *Graph) walk(id string, maxDepth int, links [][]int, follow func(Edge) string) []string {
	start, ok := g.indexOf(id)
	if !ok {
		return nil
	}

	depth := map[int]int{start: 0}
	queue := []int{start}
	var found []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && depth[cur] >= maxDepth {
			continue
		}
		for _, ei := range links[cur] {
			next := g.at(follow(g.edges[ei]))
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[cur] + 1
			found = append(found, g.nodes[next].ID)
			queue = append(queue, next)
		}
	}
	return found
}

// Path returns the shortest depends-on chain from one node to another, or
// nil when none exists within DefaultMaxHops.
func (g *Graph) Path(from, to string) []string {
	return g.PathWithin(from, to, DefaultMaxHops)
}

// PathWithin is Path with an explicit hop limit.
func (g *Graph) PathWithin(from, to string, maxHops int) []string {
	src, ok := g.indexOf(from)
	if !ok {
		return nil
	}
	dst, ok := g.indexOf(to)
	if !ok {
		return nil
	}
	if src == dst {
		return []string{from}
	}

	prev := map[int]int{src: -1}
	hops := map[int]int{src: 0}
	queue := []int{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if hops[cur] >= maxHops {
			continue
		}
		for _, ei := range g.out[cur] {
			next := g.at(g.edges[ei].To)
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			hops[next] = hops[cur] + 1
			if next == dst {
				return g.trace(prev, dst)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func (g *Graph) trace(prev map[int]int, dst int) []string {
	var rev []string
	for n := dst; n != -1; n = prev[n] {
		rev = append(rev, g.nodes[n].ID)
	}
	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}

// Roots returns nodes with no outgoing depends-on edges.
func (g *Graph) Roots() []string {
	var ids []string
	for i, n := range g.nodes {
		if len(g.out[i]) == 0 {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Leaves returns nodes nothing depends on.
func (g *Graph) Leaves() []string {
	var ids []string
	for i, n := range g.nodes {
		if len(g.in[i]) == 0 {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Levels groups nodes into deployment waves over required edges using
// Kahn's algorithm: every node's required dependencies sit in an earlier
// wave. A *CycleError is returned if any node cannot be placed.
func (g *Graph) Levels() ([][]string, error) {
	remaining := make([]int, len(g.nodes))
	for _, e := range g.edges {
		if e.Kind == stores.DependencyRequired {
			remaining[g.at(e.From)]++
		}
	}

	var current []int
	for i := range g.nodes {
		if remaining[i] == 0 {
			current = append(current, i)
		}
	}

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		wave := make([]string, len(current))
		for i, n := range current {
			wave[i] = g.nodes[n].ID
		}
		sort.Strings(wave)
		levels = append(levels, wave)
		placed += len(current)

		var next []int
		for _, n := range current {
			for _, ei := range g.in[n] {
				e := g.edges[ei]
				if e.Kind != stores.DependencyRequired {
					continue
				}
				dep := g.at(e.From)
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if placed != len(g.nodes) {
		return levels, &CycleError{Cycles: g.DetectCycles()}
	}
	return levels, nil
}

func missingNode(id string) Node {
	n := Node{ID: id, Missing: true}
	if parsed, err := resourceid.Parse(id); err == nil {
		n.Group, n.Type, n.Name = parsed.Group, parsed.Type, parsed.Name
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortEdges(edges []Edge) []Edge {
	sorted := append([]Edge(nil), edges...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Relationship < b.Relationship
	})
	return sorted
}
