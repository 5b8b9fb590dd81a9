package policy

import (
	"time"

	"github.com/lattice-ops/lattice/pkg/definition"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity stop an operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a Rego policy.
type Policy struct {
	// Name is the unique identifier for the policy.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description,omitempty"`

	// Rego is the policy source. Its deny set is queried.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with lattice. Reloads never drop them.
	Builtin bool `json:"builtin,omitempty"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Operation is the definition about to execute.
	Operation *definition.Definition `json:"operation"`

	// Hosts lists the remote targets known to the configuration.
	Hosts []string `json:"hosts"`

	Context InputContext `json:"context"`
}

// InputContext carries evaluation metadata.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
}

// Bundle is a JSON collection of policies shipped as one file.
type Bundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Policies    []Policy `json:"policies"`
}
