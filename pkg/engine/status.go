package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-ops/lattice/pkg/stores"
)

// transitions lists the statuses each status may be entered from. Retry is
// the only way back to pending.
var transitions = map[stores.OperationStatus][]stores.OperationStatus{
	stores.OperationStatusPending:   {stores.OperationStatusFailed, stores.OperationStatusBlocked},
	stores.OperationStatusRunning:   {stores.OperationStatusPending},
	stores.OperationStatusCompleted: {stores.OperationStatusRunning},
	stores.OperationStatusFailed:    {stores.OperationStatusRunning, stores.OperationStatusPending},
	stores.OperationStatusBlocked:   {stores.OperationStatusPending},
}

// CanTransition reports whether an operation may move from one status to
// another.
func CanTransition(from, to stores.OperationStatus) bool {
	for _, allowed := range transitions[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status ends an attempt.
func IsTerminal(status stores.OperationStatus) bool {
	switch status {
	case stores.OperationStatusCompleted, stores.OperationStatusFailed, stores.OperationStatusBlocked:
		return true
	}
	return false
}

// IsRetryableStatus reports whether Retry accepts an operation in status.
func IsRetryableStatus(status stores.OperationStatus) bool {
	return CanTransition(status, stores.OperationStatusPending)
}

// NewExecutionID returns {operationID}-{YYYYMMDDHHMMSS}-{8 hex chars}.
func NewExecutionID(operationID string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", operationID, at.UTC().Format("20060102150405"), shortHex())
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// StatusReport is everything known about one execution.
type StatusReport struct {
	Operation *stores.Operation           `json:"operation"`
	Steps     []*stores.StepRecord        `json:"steps"`
	Logs      []*stores.OperationLogEntry `json:"logs"`
	Forward   []*stores.StepRecord        `json:"-"`
	Rollback  []*stores.StepRecord        `json:"-"`
}

// FailedStep returns the record of the failing forward step, if any.
func (r *StatusReport) FailedStep() *stores.StepRecord {
	if r.Operation == nil || r.Operation.FailedStep == nil {
		return nil
	}
	for _, s := range r.Forward {
		if s.Index == *r.Operation.FailedStep {
			return s
		}
	}
	return nil
}

// LogFiles returns the step log paths in execution order.
func (r *StatusReport) LogFiles() []string {
	var files []string
	for _, s := range r.Steps {
		if s.LogFile != nil {
			files = append(files, *s.LogFile)
		}
	}
	return files
}

// Status loads an execution with its step records and log entries.
func (e *Executor) Status(ctx context.Context, executionID string) (*StatusReport, error) {
	op, err := e.store.GetOperation(ctx, executionID)
	if err != nil {
		return nil, classifyStoreError("load operation", err)
	}
	steps, err := e.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, classifyStoreError("list step records", err)
	}
	logs, err := e.store.ListOperationLogs(ctx, executionID, nil)
	if err != nil {
		return nil, classifyStoreError("list operation logs", err)
	}

	report := &StatusReport{Operation: op, Steps: steps, Logs: logs}
	for _, s := range steps {
		if s.Phase == stores.StepPhaseRollback {
			report.Rollback = append(report.Rollback, s)
		} else {
			report.Forward = append(report.Forward, s)
		}
	}
	return report, nil
}
