package stores

import (
	"context"
	"fmt"

	"github.com/lattice-ops/lattice/pkg/resourceid"
)

// UpsertDependency inserts an edge or refreshes the existing (source, target,
// relationship) edge. Both endpoints must satisfy the identity grammar.
func (s *SQLiteStore) UpsertDependency(ctx context.Context, edge *DependencyEdge) error {
	if _, err := resourceid.Parse(edge.Source); err != nil {
		return fmt.Errorf("dependency source: %w", err)
	}
	if _, err := resourceid.Parse(edge.Target); err != nil {
		return fmt.Errorf("dependency target: %w", err)
	}
	if !edge.Kind.Valid() {
		return fmt.Errorf("invalid dependency kind: %q", edge.Kind)
	}
	if edge.Relationship == "" {
		return fmt.Errorf("dependency relationship is required")
	}

	now := s.timestamp()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dependencies (source_id, target_id, kind, relationship, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relationship) DO UPDATE SET
			kind = excluded.kind,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at
	`, edge.Source, edge.Target, edge.Kind, edge.Relationship, now, now).Scan(
		&edge.ID, &edge.CreatedAt, &edge.UpdatedAt,
	)
	if err != nil {
		return fail("upsert dependency", err)
	}
	return nil
}

// ListDependencies returns every stored edge ordered by source, target and relationship.
func (s *SQLiteStore) ListDependencies(ctx context.Context) ([]*DependencyEdge, error) {
	return s.queryDependencies(ctx, `
		SELECT id, source_id, target_id, kind, relationship, created_at, updated_at
		FROM dependencies
		ORDER BY source_id, target_id, relationship
	`)
}

// ListDependenciesFrom returns the outgoing edges of source.
func (s *SQLiteStore) ListDependenciesFrom(ctx context.Context, source string) ([]*DependencyEdge, error) {
	return s.queryDependencies(ctx, `
		SELECT id, source_id, target_id, kind, relationship, created_at, updated_at
		FROM dependencies
		WHERE source_id = ?
		ORDER BY target_id, relationship
	`, source)
}

func (s *SQLiteStore) queryDependencies(ctx context.Context, query string, args ...any) ([]*DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("list dependencies", err)
	}
	defer rows.Close()

	edges := []*DependencyEdge{}
	for rows.Next() {
		e := &DependencyEdge{}
		if err := rows.Scan(&e.ID, &e.Source, &e.Target, &e.Kind, &e.Relationship, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fail("scan dependency", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate dependencies", err)
	}
	return edges, nil
}
