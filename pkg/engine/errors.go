package engine

import (
	"errors"
	"fmt"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/resourceid"
	"github.com/lattice-ops/lattice/pkg/stores"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes recorded on operations and carried by EngineError.
const (
	CodeDefinitionError    = "DEFINITION_ERROR"
	CodeInvalidIdentity    = "INVALID_IDENTITY"
	CodePrerequisiteNotMet = "PREREQUISITE_NOT_MET"
	CodeStepFailed         = "STEP_FAILED"
	CodeRollbackStepFailed = "ROLLBACK_STEP_FAILED"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeCycleDetected      = "CYCLE_DETECTED"
	CodePolicyDenied       = "POLICY_DENIED"
	CodeRetriesExhausted   = "RETRIES_EXHAUSTED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the execution or operation id involved.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code, so the
// package-level sentinels work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrRetriesExhausted  = &EngineError{Class: ErrorClassPermanent, Code: CodeRetriesExhausted, Message: "retries exhausted"}
	ErrInvalidTransition = &EngineError{Class: ErrorClassConflict, Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrStoreUnavailable  = &EngineError{Class: ErrorClassTransient, Code: CodeStoreUnavailable, Message: "store unavailable"}
)

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewDefinitionError wraps a parse or validation failure.
func NewDefinitionError(err error) *EngineError {
	return newError(ErrorClassPermanent, CodeDefinitionError, "invalid operation definition", err)
}

// NewInvalidIdentityError reports a resource id that fails the grammar.
func NewInvalidIdentityError(id string, err error) *EngineError {
	return newError(ErrorClassPermanent, CodeInvalidIdentity, "invalid resource identity", err).WithResource(id)
}

// NewPrerequisiteError reports unmet prerequisites.
func NewPrerequisiteError(unmet []string) *EngineError {
	return newError(ErrorClassPermanent, CodePrerequisiteNotMet,
		fmt.Sprintf("%d prerequisite(s) not met", len(unmet)), nil).WithDetail("unmet", unmet)
}

// NewStepError reports a failed forward step.
func NewStepError(index int, name string, err error) *EngineError {
	return newError(ErrorClassPermanent, CodeStepFailed,
		fmt.Sprintf("step %d (%s) failed", index, name), err).WithDetail("step", index)
}

// NewRollbackStepError reports a failed rollback step.
func NewRollbackStepError(index int, name string, err error) *EngineError {
	return newError(ErrorClassPermanent, CodeRollbackStepFailed,
		fmt.Sprintf("rollback step %d (%s) failed", index, name), err).WithDetail("step", index)
}

// NewStoreUnavailableError wraps a store failure.
func NewStoreUnavailableError(action string, err error) *EngineError {
	return newError(ErrorClassTransient, CodeStoreUnavailable, "failed to "+action, err)
}

// NewCycleError reports cycles passing through a resource.
func NewCycleError(resourceID string, cycles []string) *EngineError {
	return newError(ErrorClassPermanent, CodeCycleDetected, "dependency cycle detected", nil).
		WithResource(resourceID).WithDetail("cycles", cycles)
}

// NewPolicyDeniedError reports blocking policy violations.
func NewPolicyDeniedError(messages []string) *EngineError {
	return newError(ErrorClassPermanent, CodePolicyDenied,
		fmt.Sprintf("%d policy violation(s)", len(messages)), nil).WithDetail("violations", messages)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// classifyStoreError converts store sentinels to EngineErrors; other errors
// are returned unchanged.
func classifyStoreError(action string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrStoreUnavailable):
		return NewStoreUnavailableError(action, err)
	case errors.Is(err, stores.ErrRetriesExhausted):
		return newError(ErrorClassPermanent, CodeRetriesExhausted, "retries exhausted", err)
	case errors.Is(err, stores.ErrInvalidTransition):
		return newError(ErrorClassConflict, CodeInvalidTransition, "invalid status transition", err)
	case errors.Is(err, resourceid.ErrInvalidIdentity):
		return NewInvalidIdentityError("", err)
	}
	return err
}

// codeOf returns the code of the first EngineError in err's chain.
func codeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDefinitionError reports whether err is a definition failure.
func IsDefinitionError(err error) bool {
	var de *definition.DefinitionError
	return codeOf(err) == CodeDefinitionError || errors.As(err, &de)
}

// IsStoreUnavailable reports whether err is a store failure.
func IsStoreUnavailable(err error) bool {
	return codeOf(err) == CodeStoreUnavailable || errors.Is(err, stores.ErrStoreUnavailable)
}

// IsPrerequisiteNotMet reports whether err is a prerequisite failure.
func IsPrerequisiteNotMet(err error) bool {
	return codeOf(err) == CodePrerequisiteNotMet
}

// IsRetriesExhausted reports whether the retry budget is spent.
func IsRetriesExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted) || errors.Is(err, stores.ErrRetriesExhausted)
}

// IsInvalidTransition reports whether a status change was refused.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, stores.ErrInvalidTransition)
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	var e *EngineError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Class {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}
