// Package graph detects dependencies between cached resources, persists them
// as edges and answers structural questions about the resulting graph:
// cycles, reachability, shortest paths and deployment waves.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// ErrCycleDetected is wrapped by errors from operations that need an acyclic graph.
var ErrCycleDetected = errors.New("dependency cycle detected")

// DefaultMaxHops bounds Path searches.
const DefaultMaxHops = 20

// Edge is a depends-on relationship: From needs To.
type Edge struct {
	From         string                `json:"from"`
	To           string                `json:"to"`
	Kind         stores.DependencyKind `json:"kind"`
	Relationship string                `json:"relationship"`
}

// Node is one vertex of the arena. Missing nodes are edge targets with no
// stored resource.
type Node struct {
	ID                string `json:"id"`
	Group             string `json:"group"`
	Type              string `json:"type"`
	Name              string `json:"name"`
	ProvisioningState string `json:"provisioning_state,omitempty"`
	Missing           bool   `json:"missing,omitempty"`
	Deleted           bool   `json:"deleted,omitempty"`
}

// Cycle is a closed path; the first and last elements are the same node.
type Cycle []string

func (c Cycle) String() string {
	return strings.Join(c, " -> ")
}

// CycleError reports the cycles that prevented an ordering.
type CycleError struct {
	Cycles []Cycle
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(parts, "; "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// Unsatisfied explains why a required dependency does not hold.
type Unsatisfied struct {
	Edge   Edge   `json:"edge"`
	Reason string `json:"reason"`
}

// Graph is an immutable arena of nodes and edges. Node indices are assigned
// in sorted id order so traversals are deterministic.
type Graph struct {
	nodes []Node
	index map[string]int
	edges []Edge
	out   [][]int // node -> indices into edges where node is From
	in    [][]int // node -> indices into edges where node is To
}

// NewGraph builds an arena from nodes and edges. Edge endpoints without a
// node become Missing nodes.
func NewGraph(nodes []Node, edges []Edge) *Graph {
	// Identities are matched case-insensitively; an edge endpoint takes the
	// spelling of the stored node it refers to.
	byID := make(map[string]Node, len(nodes))
	canonical := make(map[string]string, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		canonical[resourceid.Key(n.ID)] = n.ID
	}
	resolve := func(id string) string {
		if c, ok := canonical[resourceid.Key(id)]; ok {
			return c
		}
		canonical[resourceid.Key(id)] = id
		byID[id] = missingNode(id)
		return id
	}
	resolved := make([]Edge, 0, len(edges))
	for _, e := range edges {
		e.From = resolve(e.From)
		e.To = resolve(e.To)
		resolved = append(resolved, e)
	}

	g := &Graph{index: make(map[string]int, len(byID))}
	for _, id := range sortedKeys(byID) {
		g.index[resourceid.Key(id)] = len(g.nodes)
		g.nodes = append(g.nodes, byID[id])
	}

	g.out = make([][]int, len(g.nodes))
	g.in = make([][]int, len(g.nodes))
	seen := make(map[Edge]bool, len(resolved))
	for _, e := range sortEdges(resolved) {
		if seen[e] {
			continue
		}
		seen[e] = true
		i := len(g.edges)
		g.edges = append(g.edges, e)
		g.out[g.at(e.From)] = append(g.out[g.at(e.From)], i)
		g.in[g.at(e.To)] = append(g.in[g.at(e.To)], i)
	}
	return g
}

func (g *Graph) indexOf(id string) (int, bool) {
	i, ok := g.index[resourceid.Key(id)]
	return i, ok
}

// at is indexOf for ids known to be in the arena.
func (g *Graph) at(id string) int {
	return g.index[resourceid.Key(id)]
}

// Nodes returns the nodes in id order.
func (g *Graph) Nodes() []Node {
	return append([]Node(nil), g.nodes...)
}

// Edges returns every edge, sorted by (from, to, relationship).
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.indexOf(id)
	if !ok {
		return Node{}, false
	}
	return g.nodes[i], true
}

// Missing returns the ids of edge targets with no stored resource.
func (g *Graph) Missing() []string {
	var ids []string
	for _, n := range g.nodes {
		if n.Missing {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.nodes)
}
