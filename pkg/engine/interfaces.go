package engine

import (
	"context"
	"time"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/graph"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// Store is the persistence the executor needs.
type Store interface {
	CreateOperation(ctx context.Context, op *stores.Operation) error
	GetOperation(ctx context.Context, executionID string) (*stores.Operation, error)
	FindCompletedOperation(ctx context.Context, ref string) (*stores.Operation, error)
	StartOperation(ctx context.Context, executionID string, startedAt time.Time) error
	UpdateOperationProgress(ctx context.Context, executionID string, current, total int, description string) error
	FinishOperation(ctx context.Context, executionID string, outcome stores.OperationOutcome) error
	ResetForRetry(ctx context.Context, executionID string) (*stores.Operation, error)
	SetRollbackArtifact(ctx context.Context, executionID, path string) error

	UpsertStepRecord(ctx context.Context, rec *stores.StepRecord) error
	ListStepRecords(ctx context.Context, executionID string) ([]*stores.StepRecord, error)
	AppendOperationLog(ctx context.Context, entry *stores.OperationLogEntry) error
	ListOperationLogs(ctx context.Context, executionID string, level *stores.LogLevel) ([]*stores.OperationLogEntry, error)
}

// ResourceCache resolves and tracks subject and prerequisite resources.
type ResourceCache interface {
	Get(ctx context.Context, resourceType, name, group string) (*stores.Resource, error)
	Refresh(ctx context.Context, id string) (*stores.Resource, error)
	MarkManaged(ctx context.Context, id string) error
	MarkCreated(ctx context.Context, id string) error
}

// CycleChecker reports dependency cycles through a resource.
type CycleChecker interface {
	CyclesThrough(ctx context.Context, id string) ([]graph.Cycle, error)
}

// PolicyGate evaluates a definition before any step runs.
type PolicyGate interface {
	EvaluateDefinition(ctx context.Context, def *definition.Definition) (*PolicyResult, error)
}

// PolicyResult is the outcome of a policy evaluation.
type PolicyResult struct {
	// Allowed is false when at least one error-severity violation exists.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that are logged but do not block.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (error, warning, info).
	Severity string `json:"severity"`

	// Remediation suggests a fix.
	Remediation string `json:"remediation,omitempty"`
}
