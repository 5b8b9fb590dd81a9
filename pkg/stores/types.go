package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable wraps connection and driver failures. Callers treat it as fatal.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidTransition is returned when a conditional status update matches no row.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultCacheTTL is how long a freshly upserted resource is served from cache.
const DefaultCacheTTL = 300 * time.Second

// OperationStatus is the lifecycle state of an operation execution.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusBlocked   OperationStatus = "blocked"
)

// DependencyKind classifies a dependency edge.
type DependencyKind string

const (
	DependencyRequired  DependencyKind = "required"
	DependencyOptional  DependencyKind = "optional"
	DependencyReference DependencyKind = "reference"
)

// Valid reports whether k is a known kind.
func (k DependencyKind) Valid() bool {
	return k == DependencyRequired || k == DependencyOptional || k == DependencyReference
}

// StepPhase distinguishes forward steps from rollback steps.
type StepPhase string

const (
	StepPhaseForward  StepPhase = "forward"
	StepPhaseRollback StepPhase = "rollback"
)

// StepStatus is the state of a single step attempt.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// LogLevel represents the severity of an operation log entry
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Resource is a tracked cloud resource. Known top-level fields are typed; the
// full provider payload is kept in Properties.
type Resource struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Name              string            `json:"name"`
	Group             string            `json:"group"`
	Region            string            `json:"region,omitempty"`
	ProvisioningState string            `json:"provisioning_state,omitempty"`
	Properties        json.RawMessage   `json:"properties,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
	Managed           bool              `json:"managed"`
	ManagedAt         *time.Time        `json:"managed_at,omitempty"`
	Created           bool              `json:"created"`
	CreatedByToolAt   *time.Time        `json:"created_by_tool_at,omitempty"`
	DiscoveredAt      time.Time         `json:"discovered_at"`
	ValidatedAt       *time.Time        `json:"validated_at,omitempty"`
	CacheExpiresAt    time.Time         `json:"cache_expires_at"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Deleted reports whether the record has been soft-deleted.
func (r *Resource) Deleted() bool {
	return r.DeletedAt != nil
}

// ResourceFilter narrows ListResources. Nil fields are ignored.
type ResourceFilter struct {
	Type           *string
	Group          *string
	Managed        *bool
	IncludeDeleted bool
}

// DependencyEdge is a directed depends-on relationship from Source to Target.
type DependencyEdge struct {
	ID           int64          `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	Kind         DependencyKind `json:"kind"`
	Relationship string         `json:"relationship"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Operation is one tracked execution of an operation definition.
type Operation struct {
	ExecutionID       string          `json:"execution_id"`
	OperationID       string          `json:"operation_id"`
	Capability        string          `json:"capability"`
	Name              string          `json:"name"`
	Kind              string          `json:"kind"`
	ResourceID        *string         `json:"resource_id,omitempty"`
	Status            OperationStatus `json:"status"`
	CurrentStep       int             `json:"current_step"`
	TotalSteps        int             `json:"total_steps"`
	StepDescription   string          `json:"step_description"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	DurationMS        *int64          `json:"duration_ms,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	ErrorCode         *string         `json:"error_code,omitempty"`
	FailedStep        *int            `json:"failed_step,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	Definition        string          `json:"definition"` // JSON blob
	RollbackArtifact  *string         `json:"rollback_artifact,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OperationFilter narrows ListOperations.
type OperationFilter struct {
	Status      *OperationStatus
	OperationID *string
	Capability  *string
	Limit       int
	Offset      int
}

// OperationOutcome carries the terminal fields written by FinishOperation.
type OperationOutcome struct {
	Status       OperationStatus
	CompletedAt  time.Time
	Duration     time.Duration
	ErrorMessage *string
	ErrorCode    *string
	FailedStep   *int
}

// StepRecord is the latest attempt of one step of an execution.
type StepRecord struct {
	ExecutionID string     `json:"execution_id"`
	Phase       StepPhase  `json:"phase"`
	Index       int        `json:"index"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	LogFile     *string    `json:"log_file,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// OperationLogEntry is an append-only log line scoped to one execution.
type OperationLogEntry struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	Details     *string   `json:"details,omitempty"` // JSON blob
	StepIndex   *int      `json:"step_index,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CacheEntry is cache metadata for one key.
type CacheEntry struct {
	Key                string     `json:"key"`
	Payload            string     `json:"payload"`
	CapturedAt         time.Time  `json:"captured_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	HitCount           int64      `json:"hit_count"`
	InvalidatedAt      *time.Time `json:"invalidated_at,omitempty"`
	InvalidationReason *string    `json:"invalidation_reason,omitempty"`
}

// Fresh reports whether the entry may be served at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return e.InvalidatedAt == nil && now.Before(e.ExpiresAt)
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g., "resource.soft_delete", "cache.invalidate"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// DurationStat is one aggregate row of the analytics queries.
type DurationStat struct {
	Key    string  `json:"key"`
	Status string  `json:"status"`
	Count  int64   `json:"count"`
	AvgMS  float64 `json:"avg_ms"`
	MinMS  int64   `json:"min_ms"`
	MaxMS  int64   `json:"max_ms"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Resources
	UpsertResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id string) (*Resource, error)
	GetResourceByName(ctx context.Context, resourceType, name, group string) (*Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]*Resource, error)
	MarkManaged(ctx context.Context, id, actor string) error
	MarkCreated(ctx context.Context, id, actor string) error
	MarkValidated(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id, actor string) error

	// Cache metadata
	GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error)
	RecordCacheHit(ctx context.Context, key string) error
	Invalidate(ctx context.Context, pattern, reason, actor string) (int64, error)

	// Dependencies
	UpsertDependency(ctx context.Context, edge *DependencyEdge) error
	ListDependencies(ctx context.Context) ([]*DependencyEdge, error)
	ListDependenciesFrom(ctx context.Context, source string) ([]*DependencyEdge, error)

	// Operations
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, executionID string) (*Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error)
	FindCompletedOperation(ctx context.Context, ref string) (*Operation, error)
	TransitionOperation(ctx context.Context, executionID string, from []OperationStatus, to OperationStatus) error
	StartOperation(ctx context.Context, executionID string, startedAt time.Time) error
	UpdateOperationProgress(ctx context.Context, executionID string, current, total int, description string) error
	FinishOperation(ctx context.Context, executionID string, outcome OperationOutcome) error
	ResetForRetry(ctx context.Context, executionID string) (*Operation, error)
	SetRollbackArtifact(ctx context.Context, executionID, path string) error

	// Steps and logs
	UpsertStepRecord(ctx context.Context, rec *StepRecord) error
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error)
	AppendOperationLog(ctx context.Context, entry *OperationLogEntry) error
	ListOperationLogs(ctx context.Context, executionID string, level *LogLevel) ([]*OperationLogEntry, error)

	// Analytics
	OperationDurationStats(ctx context.Context, groupBy string) ([]*DurationStat, error)
	ListCompletedDurations(ctx context.Context, order string, limit int) ([]*Operation, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, targetID *string, limit, offset int) ([]*AuditEntry, error)
}
