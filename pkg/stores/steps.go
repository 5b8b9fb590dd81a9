package stores

import (
	"context"
	"fmt"
)

// UpsertStepRecord writes the latest attempt of a step. A retry of the same
// execution overwrites the previous attempt's row; the log keeps the history.
func (s *SQLiteStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.timestamp()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_steps (
			execution_id, phase, step_index, name, status, exit_code, log_file, error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, phase, step_index) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			exit_code = excluded.exit_code,
			log_file = excluded.log_file,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		rec.ExecutionID, rec.Phase, rec.Index, rec.Name, rec.Status,
		rec.ExitCode, rec.LogFile, rec.Error, rec.StartedAt.UTC(), rec.CompletedAt,
	)
	if err != nil {
		return fail("upsert step record", err)
	}
	return nil
}

// ListStepRecords returns forward steps then rollback steps, each in index order.
func (s *SQLiteStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, phase, step_index, name, status, exit_code, log_file, error, started_at, completed_at
		FROM operation_steps
		WHERE execution_id = ?
		ORDER BY CASE phase WHEN 'forward' THEN 0 ELSE 1 END, step_index
	`, executionID)
	if err != nil {
		return nil, fail("list step records", err)
	}
	defer rows.Close()

	records := []*StepRecord{}
	for rows.Next() {
		rec := &StepRecord{}
		if err := rows.Scan(
			&rec.ExecutionID,
			&rec.Phase,
			&rec.Index,
			&rec.Name,
			&rec.Status,
			&rec.ExitCode,
			&rec.LogFile,
			&rec.Error,
			&rec.StartedAt,
			&rec.CompletedAt,
		); err != nil {
			return nil, fail("scan step record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate step records", err)
	}
	return records, nil
}

// AppendOperationLog appends a log entry to an execution's log.
func (s *SQLiteStore) AppendOperationLog(ctx context.Context, entry *OperationLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.timestamp()
	}
	if entry.Level == "" {
		entry.Level = LogLevelInfo
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_logs (execution_id, level, message, details, step_index, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ExecutionID, entry.Level, entry.Message, entry.Details, entry.StepIndex, entry.Timestamp)
	if err != nil {
		return fail("append operation log", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fail("get operation log ID", err)
	}
	entry.ID = id
	return nil
}

// ListOperationLogs returns an execution's log in append order, optionally
// restricted to one level.
func (s *SQLiteStore) ListOperationLogs(ctx context.Context, executionID string, level *LogLevel) ([]*OperationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, level, message, details, step_index, timestamp
		FROM operation_logs
		WHERE execution_id = ? AND (? IS NULL OR level = ?)
		ORDER BY id
	`, executionID, level, level)
	if err != nil {
		return nil, fail("list operation logs", err)
	}
	defer rows.Close()

	entries := []*OperationLogEntry{}
	for rows.Next() {
		e := &OperationLogEntry{}
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Level, &e.Message, &e.Details, &e.StepIndex, &e.Timestamp); err != nil {
			return nil, fail("scan operation log", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate operation logs", err)
	}
	return entries, nil
}

// analyticsColumns whitelists the grouping columns accepted by OperationDurationStats.
var analyticsColumns = map[string]string{
	"capability": "capability",
	"kind":       "kind",
	"status":     "status",
	"operation":  "operation_id",
}

// OperationDurationStats aggregates counts and durations grouped by the given
// column and status.
func (s *SQLiteStore) OperationDurationStats(ctx context.Context, groupBy string) ([]*DurationStat, error) {
	column, ok := analyticsColumns[groupBy]
	if !ok {
		return nil, fmt.Errorf("unsupported grouping: %q", groupBy)
	}

	query := fmt.Sprintf(`
		SELECT %[1]s, status, COUNT(*),
			COALESCE(AVG(duration_ms), 0), COALESCE(MIN(duration_ms), 0), COALESCE(MAX(duration_ms), 0)
		FROM operations
		GROUP BY %[1]s, status
		ORDER BY %[1]s, status
	`, column)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fail("aggregate operations", err)
	}
	defer rows.Close()

	stats := []*DurationStat{}
	for rows.Next() {
		st := &DurationStat{}
		if err := rows.Scan(&st.Key, &st.Status, &st.Count, &st.AvgMS, &st.MinMS, &st.MaxMS); err != nil {
			return nil, fail("scan operation stats", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate operation stats", err)
	}
	return stats, nil
}

// ListCompletedDurations lists completed operations ordered by duration.
// order is "asc" or "desc"; limit <= 0 returns all.
func (s *SQLiteStore) ListCompletedDurations(ctx context.Context, order string, limit int) ([]*Operation, error) {
	direction := "DESC"
	if order == "asc" {
		direction = "ASC"
	}
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE status = 'completed' AND duration_ms IS NOT NULL
		ORDER BY duration_ms ` + direction + `, execution_id
		LIMIT ?`
	return s.queryOperations(ctx, query, limit)
}
