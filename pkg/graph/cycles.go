package graph

import (
	"sort"

	"github.com/lattice-ops/lattice/pkg/stores"
)

const (
	white = iota
	gray
	black
)

type frame struct {
	node string
	next int
}

// FindCycles runs an iterative depth-first search over adj, starting from
// every node in sorted order. Each back-edge yields one Cycle running from
// the back-edge target to its source and back to the target. Neighbour lists
// are visited in sorted order.
func FindCycles(adj map[string][]string) []Cycle {
	neighbours := make(map[string][]string, len(adj))
	nodes := make(map[string]struct{}, len(adj))
	for n, targets := range adj {
		nodes[n] = struct{}{}
		sorted := append([]string(nil), targets...)
		sort.Strings(sorted)
		neighbours[n] = sorted
		for _, t := range targets {
			nodes[t] = struct{}{}
		}
	}

	color := make(map[string]int, len(nodes))
	var cycles []Cycle

	for _, start := range sortedKeys(nodes) {
		if color[start] != white {
			continue
		}

		stack := []frame{{node: start}}
		path := []string{start}
		onPath := map[string]int{start: 0}
		color[start] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			next := neighbours[top.node]
			if top.next >= len(next) {
				color[top.node] = black
				delete(onPath, top.node)
				path = path[:len(path)-1]
				stack = stack[:len(stack)-1]
				continue
			}

			n := next[top.next]
			top.next++

			switch color[n] {
			case white:
				color[n] = gray
				onPath[n] = len(path)
				path = append(path, n)
				stack = append(stack, frame{node: n})
			case gray:
				loop := append(Cycle(nil), path[onPath[n]:]...)
				cycles = append(cycles, append(loop, n))
			}
		}
	}
	return cycles
}

// DetectCycles reports every cycle formed by required edges.
func (g *Graph) DetectCycles() []Cycle {
	return FindCycles(g.adjacency(stores.DependencyRequired))
}

// adjacency returns From -> To lists restricted to kinds, or all edges when
// kinds is empty.
func (g *Graph) adjacency(kinds ...stores.DependencyKind) map[string][]string {
	allowed := make(map[stores.DependencyKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	adj := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		adj[n.ID] = nil
	}
	for _, e := range g.edges {
		if len(allowed) > 0 && !allowed[e.Kind] {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}
