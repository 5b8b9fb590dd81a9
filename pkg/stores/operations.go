package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned by ResetForRetry once retry_count has reached max_retries.
var ErrRetriesExhausted = errors.New("retries exhausted")

const operationColumns = `execution_id, operation_id, capability, name, kind, resource_id,
	status, current_step, total_steps, step_description, started_at, completed_at,
	duration_ms, error_message, error_code, failed_step, retry_count, max_retries,
	parent_execution_id, definition, rollback_artifact, created_at, updated_at`

// terminalPredecessors lists the statuses each terminal status may be entered from.
var terminalPredecessors = map[OperationStatus][]OperationStatus{
	OperationStatusCompleted: {OperationStatusRunning},
	OperationStatusFailed:    {OperationStatusRunning, OperationStatusPending},
	OperationStatusBlocked:   {OperationStatusPending},
}

// CreateOperation inserts a new operation record in the pending state.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *Operation) error {
	if op.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if op.Status == "" {
		op.Status = OperationStatusPending
	}
	if op.Status != OperationStatusPending {
		return fmt.Errorf("new operations must be pending, got %s: %w", op.Status, ErrInvalidTransition)
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = 3
	}
	if op.Definition == "" {
		op.Definition = "{}"
	}
	now := s.timestamp()
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (
			execution_id, operation_id, capability, name, kind, resource_id, status,
			total_steps, retry_count, max_retries, parent_execution_id, definition,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ExecutionID, op.OperationID, op.Capability, op.Name, op.Kind, op.ResourceID, op.Status,
		op.TotalSteps, op.RetryCount, op.MaxRetries, op.ParentExecutionID, op.Definition,
		op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fail("create operation", err)
	}
	return nil
}

// GetOperation retrieves an operation by execution id.
func (s *SQLiteStore) GetOperation(ctx context.Context, executionID string) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE execution_id = ?`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation not found: %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fail("get operation", err)
	}
	return op, nil
}

// ListOperations lists operations newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR operation_id = ?)
		  AND (? IS NULL OR capability = ?)
		ORDER BY created_at DESC, execution_id DESC
		LIMIT ? OFFSET ?`

	return s.queryOperations(ctx, query,
		filter.Status, filter.Status,
		filter.OperationID, filter.OperationID,
		filter.Capability, filter.Capability,
		limit, filter.Offset,
	)
}

// FindCompletedOperation returns the most recently completed operation whose
// execution id or operation id equals ref.
func (s *SQLiteStore) FindCompletedOperation(ctx context.Context, ref string) (*Operation, error) {
	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE status = 'completed' AND (execution_id = ? OR operation_id = ?)
		ORDER BY completed_at DESC
		LIMIT 1`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no completed operation for %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fail("find completed operation", err)
	}
	return op, nil
}

// TransitionOperation moves an operation to status to only if its current
// status is one of from.
func (s *SQLiteStore) TransitionOperation(ctx context.Context, executionID string, from []OperationStatus, to OperationStatus) error {
	args := []any{to, s.timestamp(), executionID}
	for _, f := range from {
		args = append(args, f)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, updated_at = ?
		WHERE execution_id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return fail("transition operation", err)
	}
	return s.checkTransition(ctx, result, executionID, to)
}

// StartOperation moves a pending operation to running and clears the
// outcome fields of any previous attempt.
func (s *SQLiteStore) StartOperation(ctx context.Context, executionID string, startedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET
			status = 'running',
			started_at = ?,
			completed_at = NULL,
			duration_ms = NULL,
			error_message = NULL,
			error_code = NULL,
			failed_step = NULL,
			updated_at = ?
		WHERE execution_id = ? AND status = 'pending'
	`, startedAt.UTC(), s.timestamp(), executionID)
	if err != nil {
		return fail("start operation", err)
	}
	return s.checkTransition(ctx, result, executionID, OperationStatusRunning)
}

// UpdateOperationProgress records the current step position.
func (s *SQLiteStore) UpdateOperationProgress(ctx context.Context, executionID string, current, total int, description string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET current_step = ?, total_steps = ?, step_description = ?, updated_at = ?
		WHERE execution_id = ?
	`, current, total, description, s.timestamp(), executionID)
	if err != nil {
		return fail("update operation progress", err)
	}
	return expectOne(result, "operation", executionID)
}

// FinishOperation writes a terminal status together with completed_at and
// duration. The update only applies from a legal predecessor status.
func (s *SQLiteStore) FinishOperation(ctx context.Context, executionID string, outcome OperationOutcome) error {
	from, ok := terminalPredecessors[outcome.Status]
	if !ok {
		return fmt.Errorf("%s is not a terminal status: %w", outcome.Status, ErrInvalidTransition)
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = s.timestamp()
	}
	durationMS := outcome.Duration.Milliseconds()

	args := []any{
		outcome.Status, outcome.CompletedAt.UTC(), durationMS,
		outcome.ErrorMessage, outcome.ErrorCode, outcome.FailedStep,
		s.timestamp(), executionID,
	}
	for _, f := range from {
		args = append(args, f)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET
			status = ?,
			completed_at = ?,
			duration_ms = ?,
			error_message = ?,
			error_code = ?,
			failed_step = ?,
			updated_at = ?
		WHERE execution_id = ? AND status IN (`+placeholders(len(from))+`)
	`, args...)
	if err != nil {
		return fail("finish operation", err)
	}
	return s.checkTransition(ctx, result, executionID, outcome.Status)
}

// ResetForRetry moves a failed or blocked operation back to pending and
// increments its retry counter, provided the retry budget allows it. Step
// records of the previous rollback are dropped.
func (s *SQLiteStore) ResetForRetry(ctx context.Context, executionID string) (*Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE operations SET
			status = 'pending',
			retry_count = retry_count + 1,
			current_step = 0,
			step_description = '',
			updated_at = ?
		WHERE execution_id = ?
		  AND status IN ('failed', 'blocked')
		  AND retry_count < max_retries
	`, s.timestamp(), executionID)
	if err != nil {
		return nil, fail("reset operation for retry", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fail("get rows affected", err)
	}
	// Forward rows are overwritten step by step; rollback rows belong to the
	// failed attempt only.
	if rows > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM operation_steps WHERE execution_id = ? AND phase = 'rollback'`, executionID); err != nil {
			return nil, fail("clear rollback steps", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fail("commit retry reset", err)
	}

	op, err := s.GetOperation(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if op.Status == OperationStatusFailed || op.Status == OperationStatusBlocked {
			return op, fmt.Errorf("operation %s used %d of %d retries: %w",
				executionID, op.RetryCount, op.MaxRetries, ErrRetriesExhausted)
		}
		return op, fmt.Errorf("cannot retry operation %s in status %s: %w",
			executionID, op.Status, ErrInvalidTransition)
	}
	return op, nil
}

// SetRollbackArtifact records where the rollback script for the latest attempt was written.
func (s *SQLiteStore) SetRollbackArtifact(ctx context.Context, executionID, path string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET rollback_artifact = ?, updated_at = ? WHERE execution_id = ?`,
		path, s.timestamp(), executionID)
	if err != nil {
		return fail("set rollback artifact", err)
	}
	return expectOne(result, "operation", executionID)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, executionID string, to OperationStatus) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fail("get rows affected", err)
	}
	if rows > 0 {
		return nil
	}
	op, err := s.GetOperation(ctx, executionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("operation %s: %s -> %s: %w", executionID, op.Status, to, ErrInvalidTransition)
}

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...any) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("list operations", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fail("scan operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate operations", err)
	}
	return ops, nil
}

func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}
	err := row.Scan(
		&op.ExecutionID,
		&op.OperationID,
		&op.Capability,
		&op.Name,
		&op.Kind,
		&op.ResourceID,
		&op.Status,
		&op.CurrentStep,
		&op.TotalSteps,
		&op.StepDescription,
		&op.StartedAt,
		&op.CompletedAt,
		&op.DurationMS,
		&op.ErrorMessage,
		&op.ErrorCode,
		&op.FailedStep,
		&op.RetryCount,
		&op.MaxRetries,
		&op.ParentExecutionID,
		&op.Definition,
		&op.RollbackArtifact,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return op, nil
}
