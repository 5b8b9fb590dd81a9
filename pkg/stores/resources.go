package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lattice-ops/lattice/pkg/resourceid"
)

const resourceColumns = `id, resource_type, name, resource_group, region, provisioning_state,
	properties, tags, is_managed, managed_at, is_created, created_by_tool_at,
	discovered_at, validated_at, cache_expires_at, deleted_at, created_at, updated_at`

// expiredAt is written wherever an entry must never be served again.
var expiredAt = time.Unix(0, 0).UTC()

type rowScanner interface {
	Scan(dest ...any) error
}

// normalizeResource checks the identity and fills type/name/group from it.
func normalizeResource(r *Resource) error {
	id, err := resourceid.Parse(r.ID)
	if err != nil {
		return err
	}
	fill := func(field *string, want string) error {
		if *field == "" {
			*field = want
			return nil
		}
		if !strings.EqualFold(*field, want) {
			return fmt.Errorf("%w: %s does not match %q", resourceid.ErrInvalidIdentity, r.ID, *field)
		}
		return nil
	}
	if err := fill(&r.Type, id.Type); err != nil {
		return err
	}
	if err := fill(&r.Name, id.Name); err != nil {
		return err
	}
	return fill(&r.Group, id.Group)
}

// UpsertResource inserts or updates a resource keyed by identity. Properties,
// tags, region and provisioning state are replaced; creation and management
// metadata persist. The cache expiry is reset to now+TTL and a soft-deleted
// record becomes live again.
func (s *SQLiteStore) UpsertResource(ctx context.Context, r *Resource) error {
	if err := normalizeResource(r); err != nil {
		return err
	}

	now := s.timestamp()
	expires := now.Add(s.cacheTTL)

	properties := r.Properties
	if len(properties) == 0 {
		properties = json.RawMessage(`{}`)
	}
	tags := r.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (
			id, resource_type, name, resource_group, region, provisioning_state,
			properties, tags, discovered_at, cache_expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			region = excluded.region,
			provisioning_state = excluded.provisioning_state,
			properties = excluded.properties,
			tags = excluded.tags,
			cache_expires_at = excluded.cache_expires_at,
			deleted_at = NULL,
			updated_at = excluded.updated_at
	`,
		r.ID, r.Type, r.Name, r.Group, r.Region, r.ProvisioningState,
		string(properties), string(tagsJSON), now, expires, now, now,
	)
	if err != nil {
		return fail("upsert resource", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, payload, captured_at, expires_at, hit_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			captured_at = excluded.captured_at,
			expires_at = excluded.expires_at,
			invalidated_at = NULL,
			invalidation_reason = NULL
	`, r.ID, string(properties), now, expires)
	if err != nil {
		return fail("upsert cache entry", err)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit resource upsert", err)
	}

	stored, err := s.GetResource(ctx, r.ID)
	if err != nil {
		return err
	}
	*r = *stored
	return nil
}

// GetResource returns a resource by identity, including expired and deleted records.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`
	r, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fail("get resource", err)
	}
	return r, nil
}

// GetResourceByName looks a resource up by its (type, name, group) triple.
func (s *SQLiteStore) GetResourceByName(ctx context.Context, resourceType, name, group string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + `
		FROM resources
		WHERE resource_type = ? AND name = ? AND resource_group = ?`
	r, err := scanResource(s.db.QueryRowContext(ctx, query, resourceType, name, group))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource not found: %s/%s/%s: %w", group, resourceType, name, ErrNotFound)
	}
	if err != nil {
		return nil, fail("get resource", err)
	}
	return r, nil
}

// ListResources lists resources ordered by identity. Soft-deleted records are
// excluded unless filter.IncludeDeleted is set.
func (s *SQLiteStore) ListResources(ctx context.Context, filter ResourceFilter) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + `
		FROM resources
		WHERE (? IS NULL OR resource_type = ?)
		  AND (? IS NULL OR resource_group = ?)
		  AND (? IS NULL OR is_managed = ?)
		  AND (? OR deleted_at IS NULL)
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Type, filter.Type,
		filter.Group, filter.Group,
		filter.Managed, filter.Managed,
		filter.IncludeDeleted,
	)
	if err != nil {
		return nil, fail("list resources", err)
	}
	defer rows.Close()

	resources := []*Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fail("scan resource", err)
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate resources", err)
	}
	return resources, nil
}

// MarkManaged flags a resource as managed by this tool. Repeated calls keep
// the first timestamp.
func (s *SQLiteStore) MarkManaged(ctx context.Context, id, actor string) error {
	return s.markFlag(ctx, id, actor, "resource.mark_managed",
		`UPDATE resources SET is_managed = 1, managed_at = COALESCE(managed_at, ?), updated_at = ? WHERE id = ?`)
}

// MarkCreated flags a resource as created by this tool.
func (s *SQLiteStore) MarkCreated(ctx context.Context, id, actor string) error {
	return s.markFlag(ctx, id, actor, "resource.mark_created",
		`UPDATE resources SET is_created = 1, created_by_tool_at = COALESCE(created_by_tool_at, ?), updated_at = ? WHERE id = ?`)
}

func (s *SQLiteStore) markFlag(ctx context.Context, id, actor, action, query string) error {
	if _, err := resourceid.Parse(id); err != nil {
		return err
	}
	now := s.timestamp()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fail("update resource flags", err)
	}
	if err := expectOne(result, "resource", id); err != nil {
		return err
	}
	return s.CreateAuditEntry(ctx, &AuditEntry{Action: action, Actor: actor, TargetID: &id})
}

// MarkValidated records that dependency validation last passed now.
func (s *SQLiteStore) MarkValidated(ctx context.Context, id string) error {
	now := s.timestamp()
	result, err := s.db.ExecContext(ctx,
		`UPDATE resources SET validated_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fail("mark resource validated", err)
	}
	return expectOne(result, "resource", id)
}

// SoftDelete stamps the deletion time and expires the cache entry. The row
// stays queryable for audit.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id, actor string) error {
	if _, err := resourceid.Parse(id); err != nil {
		return err
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE resources
		SET deleted_at = COALESCE(deleted_at, ?), cache_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, now, expiredAt, now, id)
	if err != nil {
		return fail("soft delete resource", err)
	}
	if err := expectOne(result, "resource", id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cache_entries
		SET expires_at = ?, invalidated_at = ?, invalidation_reason = 'soft-delete'
		WHERE cache_key = ?
	`, expiredAt, now, id); err != nil {
		return fail("expire cache entry", err)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit soft delete", err)
	}

	return s.CreateAuditEntry(ctx, &AuditEntry{Action: "resource.soft_delete", Actor: actor, TargetID: &id})
}

func scanResource(row rowScanner) (*Resource, error) {
	r := &Resource{}
	var properties, tags string
	err := row.Scan(
		&r.ID,
		&r.Type,
		&r.Name,
		&r.Group,
		&r.Region,
		&r.ProvisioningState,
		&properties,
		&tags,
		&r.Managed,
		&r.ManagedAt,
		&r.Created,
		&r.CreatedByToolAt,
		&r.DiscoveredAt,
		&r.ValidatedAt,
		&r.CacheExpiresAt,
		&r.DeletedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Properties = json.RawMessage(properties)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", r.ID, err)
		}
	}
	return r, nil
}
