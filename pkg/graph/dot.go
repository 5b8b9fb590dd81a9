package graph

import (
	"fmt"
	"strings"

	"github.com/lattice-ops/lattice/pkg/stores"
)

// ToDOT renders the graph in Graphviz DOT format. Nodes are clustered by
// resource group; missing nodes are drawn dashed in grey.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Dependencies {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	groups := make(map[string][]Node)
	for _, n := range g.nodes {
		groups[n.Group] = append(groups[n.Group], n)
	}

	for i, group := range sortedKeys(groups) {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"%s\";\n", group))
		sb.WriteString("    style=dashed;\n")
		for _, n := range groups[group] {
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\\n%s\", %s];\n",
				n.ID, n.Type, n.Name, nodeStyle(n)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [label=\"%s\", %s];\n",
			e.From, e.To, e.Relationship, edgeStyle(e.Kind)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeStyle(n Node) string {
	switch {
	case n.Missing:
		return `style="dashed,rounded", color=gray`
	case n.Deleted:
		return `style="filled,rounded", fillcolor=lightgray`
	case strings.EqualFold(n.ProvisioningState, "Succeeded"):
		return `style="filled,rounded", fillcolor=lightgreen`
	case n.ProvisioningState == "":
		return `style="filled,rounded", fillcolor=white`
	default:
		return `style="filled,rounded", fillcolor=lightcoral`
	}
}

func edgeStyle(kind stores.DependencyKind) string {
	switch kind {
	case stores.DependencyOptional:
		return "style=dashed, color=blue"
	case stores.DependencyReference:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
