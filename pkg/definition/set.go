package definition

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lattice-ops/lattice/pkg/graph"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// MissingPrerequisite is an operation prerequisite that no definition in the
// set provides.
type MissingPrerequisite struct {
	Operation string `json:"operation"`
	Requires  string `json:"requires"`
}

// SetStats summarizes the prerequisite structure of a definition set.
type SetStats struct {
	TotalOperations      int    `json:"total_operations"`
	WithPrerequisites    int    `json:"with_prerequisites"`
	TotalPrerequisites   int    `json:"total_prerequisites"`
	MaxPrerequisites     int    `json:"max_prerequisites"`
	MostDependentOp      string `json:"most_dependent_operation,omitempty"`
	DuplicateOperationID int    `json:"duplicate_operation_ids"`
}

// SetReport is the outcome of ValidateSet.
type SetReport struct {
	Missing    []MissingPrerequisite `json:"missing,omitempty"`
	Cycles     []graph.Cycle         `json:"cycles,omitempty"`
	Duplicates []string              `json:"duplicates,omitempty"`
	Stats      SetStats              `json:"stats"`
}

// OK reports whether the set has no missing prerequisites, cycles or
// duplicate ids.
func (r *SetReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Cycles) == 0 && len(r.Duplicates) == 0
}

// ValidateSet checks the operation prerequisites across defs.
func ValidateSet(defs []*Definition) *SetReport {
	report := &SetReport{}
	known := make(map[string]int, len(defs))
	for _, d := range defs {
		known[d.ID]++
	}
	for id, n := range known {
		if n > 1 {
			report.Duplicates = append(report.Duplicates, id)
		}
	}
	sort.Strings(report.Duplicates)
	report.Stats.DuplicateOperationID = len(report.Duplicates)

	adj := make(map[string][]string, len(defs))
	for _, d := range defs {
		report.Stats.TotalOperations++
		reqs := d.Prerequisites.Operations
		if len(reqs) > 0 {
			report.Stats.WithPrerequisites++
		}
		report.Stats.TotalPrerequisites += len(reqs)
		if len(reqs) > report.Stats.MaxPrerequisites {
			report.Stats.MaxPrerequisites = len(reqs)
			report.Stats.MostDependentOp = d.ID
		}

		adj[d.ID] = append(adj[d.ID], reqs...)
		for _, req := range reqs {
			if known[req] == 0 {
				report.Missing = append(report.Missing, MissingPrerequisite{Operation: d.ID, Requires: req})
			}
		}
	}

	report.Cycles = graph.FindCycles(adj)
	return report
}

// DependencyGraph returns a graph with one node per definition and a
// required edge to each prerequisite operation. Prerequisites outside the set
// appear as missing nodes.
func DependencyGraph(defs []*Definition) *graph.Graph {
	nodes := make([]graph.Node, 0, len(defs))
	var edges []graph.Edge
	for _, d := range defs {
		nodes = append(nodes, graph.Node{ID: d.ID, Type: d.Kind, Name: d.Name, Group: d.Capability})
		for _, req := range d.Prerequisites.Operations {
			edges = append(edges, graph.Edge{
				From:         d.ID,
				To:           req,
				Kind:         stores.DependencyRequired,
				Relationship: "prerequisite",
			})
		}
	}
	return graph.NewGraph(nodes, edges)
}

// LoadResult is the outcome of loading one file of a directory.
type LoadResult struct {
	Path       string
	Definition *Definition
	Err        error
}

// LoadDir parses every .yaml and .yml file below dir in lexical order. A file
// that fails to parse is reported in its LoadResult; only walk failures are
// returned as errors.
func LoadDir(dir string) ([]LoadResult, error) {
	var results []LoadResult
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		def, loadErr := Load(path)
		results = append(results, LoadResult{Path: path, Definition: def, Err: loadErr})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	return results, nil
}

// Definitions returns the successfully parsed definitions of results.
func Definitions(results []LoadResult) []*Definition {
	var defs []*Definition
	for _, r := range results {
		if r.Err == nil {
			defs = append(defs, r.Definition)
		}
	}
	return defs
}
