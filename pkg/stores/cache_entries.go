package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetCacheEntry returns cache metadata for a key.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	query := `
		SELECT cache_key, payload, captured_at, expires_at, hit_count, invalidated_at, invalidation_reason
		FROM cache_entries
		WHERE cache_key = ?
	`

	e := &CacheEntry{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&e.Key,
		&e.Payload,
		&e.CapturedAt,
		&e.ExpiresAt,
		&e.HitCount,
		&e.InvalidatedAt,
		&e.InvalidationReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry not found: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fail("get cache entry", err)
	}
	return e, nil
}

// RecordCacheHit increments the hit counter for key.
func (s *SQLiteStore) RecordCacheHit(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE cache_key = ?`, key)
	if err != nil {
		return fail("record cache hit", err)
	}
	return nil
}

// Invalidate expires every resource and cache entry whose key matches the
// GLOB pattern and records the reason. Rows are never deleted. It returns the
// number of resources touched.
func (s *SQLiteStore) Invalidate(ctx context.Context, pattern, reason, actor string) (int64, error) {
	if pattern == "" {
		return 0, fmt.Errorf("invalidation pattern is required")
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE resources SET cache_expires_at = ?, updated_at = ? WHERE id GLOB ?`,
		expiredAt, now, pattern)
	if err != nil {
		return 0, fail("invalidate resources", err)
	}
	touched, err := result.RowsAffected()
	if err != nil {
		return 0, fail("get rows affected", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE cache_entries
		SET expires_at = ?, invalidated_at = ?, invalidation_reason = ?
		WHERE cache_key GLOB ?
	`, expiredAt, now, reason, pattern); err != nil {
		return 0, fail("invalidate cache entries", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fail("commit invalidation", err)
	}

	details, _ := json.Marshal(map[string]any{"pattern": pattern, "reason": reason, "resources": touched})
	detailsStr := string(details)
	if err := s.CreateAuditEntry(ctx, &AuditEntry{
		Action:  "cache.invalidate",
		Actor:   actor,
		Details: &detailsStr,
	}); err != nil {
		return touched, err
	}

	return touched, nil
}

// CreateAuditEntry appends an audit trail entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.timestamp()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Action, entry.Actor, entry.TargetID, entry.Details, entry.Timestamp)
	if err != nil {
		return fail("create audit entry", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fail("get audit entry ID", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, targetID *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR target_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, targetID, targetID, limit, offset)
	if err != nil {
		return nil, fail("list audit entries", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fail("scan audit entry", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fail("iterate audit entries", err)
	}

	return entries, nil
}
