package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// Backend is the subset of the store the engine depends on.
type Backend interface {
	GetResource(ctx context.Context, id string) (*stores.Resource, error)
	ListResources(ctx context.Context, filter stores.ResourceFilter) ([]*stores.Resource, error)
	UpsertDependency(ctx context.Context, edge *stores.DependencyEdge) error
	ListDependencies(ctx context.Context) ([]*stores.DependencyEdge, error)
	ListDependenciesFrom(ctx context.Context, source string) ([]*stores.DependencyEdge, error)
}

// Engine detects, persists and analyses resource dependencies.
type Engine struct {
	store    Backend
	registry *Registry
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the default extractor registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithTelemetry attaches logging and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.logger = tel.Logger.NewComponentLogger("graph")
		e.metrics = tel.Metrics
	}
}

// NewEngine returns an engine backed by store.
func NewEngine(store Backend, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: DefaultRegistry(),
		logger:   telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DetectDependencies returns the edges implied by a resource's properties.
func (e *Engine) DetectDependencies(r *stores.Resource) []Edge {
	edges, err := e.registry.Detect(r)
	if err != nil {
		e.logger.WithResourceID(r.ID).WithError(err).Warn("typed dependency extraction failed, using embedded references")
	}
	return edges
}

// AddEdge validates and idempotently stores one dependency.
func (e *Engine) AddEdge(ctx context.Context, from, to string, kind stores.DependencyKind, relationship string) error {
	if _, err := resourceid.Parse(from); err != nil {
		return err
	}
	if _, err := resourceid.Parse(to); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("invalid dependency kind %q", kind)
	}
	return e.store.UpsertDependency(ctx, &stores.DependencyEdge{
		Source:       from,
		Target:       to,
		Kind:         kind,
		Relationship: relationship,
	})
}

// BuildGraph runs detection over every live resource, stores the edges and
// returns the graph of all stored resources and edges, manual ones included.
func (e *Engine) BuildGraph(ctx context.Context) (*Graph, error) {
	live, err := e.store.ListResources(ctx, stores.ResourceFilter{})
	if err != nil {
		return nil, err
	}

	detected := 0
	for _, r := range live {
		for _, edge := range e.DetectDependencies(r) {
			if err := e.AddEdge(ctx, edge.From, edge.To, edge.Kind, edge.Relationship); err != nil {
				return nil, err
			}
			detected++
		}
	}
	e.logger.WithFields(map[string]interface{}{
		"resources": len(live),
		"edges":     detected,
	}).Debug("dependency detection finished")

	return e.LoadGraph(ctx)
}

// LoadGraph materializes the stored resources and edges without running
// detection.
func (e *Engine) LoadGraph(ctx context.Context) (*Graph, error) {
	resources, err := e.store.ListResources(ctx, stores.ResourceFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	stored, err := e.store.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(resources))
	for _, r := range resources {
		nodes = append(nodes, Node{
			ID:                r.ID,
			Group:             r.Group,
			Type:              r.Type,
			Name:              r.Name,
			ProvisioningState: r.ProvisioningState,
			Deleted:           r.Deleted(),
		})
	}
	edges := make([]Edge, 0, len(stored))
	for _, d := range stored {
		edges = append(edges, fromStored(d))
	}

	g := NewGraph(nodes, edges)
	if n := len(g.DetectCycles()); n > 0 {
		e.metrics.RecordCycles(n)
	}
	return g, nil
}

// CheckSatisfied reports whether every required dependency of id targets a
// live resource whose provisioning state is Succeeded. A resource with no
// dependencies is satisfied.
func (e *Engine) CheckSatisfied(ctx context.Context, id string) (bool, []Unsatisfied, error) {
	if _, err := resourceid.Parse(id); err != nil {
		return false, nil, err
	}
	deps, err := e.store.ListDependenciesFrom(ctx, id)
	if err != nil {
		return false, nil, err
	}

	var unmet []Unsatisfied
	for _, d := range deps {
		if d.Kind != stores.DependencyRequired {
			continue
		}
		edge := fromStored(d)
		target, err := e.store.GetResource(ctx, d.Target)
		switch {
		case errors.Is(err, stores.ErrNotFound):
			unmet = append(unmet, Unsatisfied{Edge: edge, Reason: "target does not exist"})
		case err != nil:
			return false, nil, err
		case target.Deleted():
			unmet = append(unmet, Unsatisfied{Edge: edge, Reason: "target is deleted"})
		case !strings.EqualFold(target.ProvisioningState, "Succeeded"):
			unmet = append(unmet, Unsatisfied{
				Edge:   edge,
				Reason: fmt.Sprintf("target provisioning state is %q", target.ProvisioningState),
			})
		}
	}
	return len(unmet) == 0, unmet, nil
}

// CyclesThrough refreshes the edges of id from its stored properties and
// returns the cycles of the stored graph that pass through it.
func (e *Engine) CyclesThrough(ctx context.Context, id string) ([]Cycle, error) {
	r, err := e.store.GetResource(ctx, id)
	switch {
	case err == nil && !r.Deleted():
		for _, edge := range e.DetectDependencies(r) {
			if err := e.AddEdge(ctx, edge.From, edge.To, edge.Kind, edge.Relationship); err != nil {
				return nil, err
			}
		}
	case err != nil && !errors.Is(err, stores.ErrNotFound):
		return nil, err
	}

	g, err := e.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	var through []Cycle
	for _, c := range g.DetectCycles() {
		for _, n := range c {
			if resourceid.Equal(n, id) {
				through = append(through, c)
				break
			}
		}
	}
	return through, nil
}

func fromStored(d *stores.DependencyEdge) Edge {
	return Edge{From: d.Source, To: d.Target, Kind: d.Kind, Relationship: d.Relationship}
}
