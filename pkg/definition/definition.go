package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Enumerations accepted by the definition validator.
var (
	Capabilities = []string{"networking", "storage", "identity", "compute", "avd", "management", "test-capability"}

	Kinds = []string{
		"create", "configure", "validate", "update", "delete", "read",
		"modify", "adopt", "assign", "verify", "add", "remove", "drain",
	}

	DurationTypes = []string{"FAST", "NORMAL", "WAIT", "LONG"}
)

// DefaultMaxRetries applies when a definition does not set max_retries.
const DefaultMaxRetries = 3

// Definition is one operation document.
type Definition struct {
	ID               string         `yaml:"id" json:"id" validate:"required,opid"`
	Name             string         `yaml:"name" json:"name" validate:"required"`
	Description      string         `yaml:"description,omitempty" json:"description,omitempty"`
	Capability       string         `yaml:"capability,omitempty" json:"capability,omitempty" validate:"omitempty,oneof=networking storage identity compute avd management test-capability"`
	Kind             string         `yaml:"kind" json:"kind" validate:"required,oneof=create configure validate update delete read modify adopt assign verify add remove drain"`
	ResourceType     string         `yaml:"resource_type,omitempty" json:"resource_type,omitempty"`
	Resource         string         `yaml:"resource,omitempty" json:"resource,omitempty" validate:"omitempty,identity"`
	Duration         *Duration      `yaml:"duration,omitempty" json:"duration,omitempty"`
	Prerequisites    Prerequisites  `yaml:"prerequisites,omitempty" json:"prerequisites"`
	Steps            []Step         `yaml:"steps" json:"steps,omitempty" validate:"dive"`
	Rollback         Rollback       `yaml:"rollback,omitempty" json:"rollback"`
	Parameters       Parameters     `yaml:"parameters,omitempty" json:"parameters"`
	Validation       Validation     `yaml:"validation,omitempty" json:"validation"`
	MaxRetries       *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty" validate:"omitempty,gte=0"`
	AllowDestructive bool           `yaml:"allow_destructive,omitempty" json:"allow_destructive,omitempty"`
	Metadata         map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Duration holds the advisory timing of an operation, in seconds.
type Duration struct {
	Expected int    `yaml:"expected" json:"expected" validate:"required,gt=0"`
	Timeout  int    `yaml:"timeout" json:"timeout" validate:"required,gt=0"`
	Type     string `yaml:"type" json:"type" validate:"required,oneof=FAST NORMAL WAIT LONG"`
}

// Prerequisites lists what must exist before the operation may run.
type Prerequisites struct {
	Operations []string `yaml:"operations,omitempty" json:"operations,omitempty" validate:"dive,required"`
	Resources  []string `yaml:"resources,omitempty" json:"resources,omitempty" validate:"dive,identity"`
}

// Step is one forward command.
type Step struct {
	Name            string `yaml:"name" json:"name" validate:"required"`
	Command         string `yaml:"command" json:"command" validate:"required"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Target          string `yaml:"target,omitempty" json:"target,omitempty"`
}

// Remote reports whether the step runs over SSH.
func (s Step) Remote() bool {
	return s.Target != ""
}

// RollbackStep is one compensating command.
type RollbackStep struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Command string `yaml:"command" json:"command" validate:"required"`
	Target  string `yaml:"target,omitempty" json:"target,omitempty"`
}

// Rollback declares the compensating steps. Enabled defaults to true.
type Rollback struct {
	Enabled *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Steps   []RollbackStep `yaml:"steps,omitempty" json:"steps,omitempty" validate:"dive"`
}

// IsEnabled reports whether rollback steps should run on failure.
func (r Rollback) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Parameter is a declared, already-substituted input.
type Parameter struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Type        string `yaml:"type" json:"type" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Parameters splits parameter declarations by requirement.
type Parameters struct {
	Required []Parameter `yaml:"required,omitempty" json:"required,omitempty" validate:"dive"`
	Optional []Parameter `yaml:"optional,omitempty" json:"optional,omitempty" validate:"dive"`
}

// Validation holds post-completion checks.
type Validation struct {
	PostChecks []string `yaml:"post_checks,omitempty" json:"post_checks,omitempty" validate:"dive,required"`
}

// EffectiveMaxRetries returns max_retries or DefaultMaxRetries.
func (d *Definition) EffectiveMaxRetries() int {
	if d.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *d.MaxRetries
}

// Destructive reports whether the kind removes or drains something.
func (d *Definition) Destructive() bool {
	switch d.Kind {
	case "delete", "drain", "remove":
		return true
	}
	return false
}

// Marshal serializes the definition as JSON for storage on the operation
// record.
func (d *Definition) Marshal() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal definition %s: %w", d.ID, err)
	}
	return string(data), nil
}

// Unmarshal restores a definition stored by Marshal. The result is validated
// again.
func Unmarshal(data string) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, &DefinitionError{Problems: []string{fmt.Sprintf("stored definition: %v", err)}}
	}
	if err := Validate(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DefinitionError reports every problem found in one definition.
type DefinitionError struct {
	Source   string
	Problems []string
}

func (e *DefinitionError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid definition")
	if e.Source != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Source)
	}
	sb.WriteString(": ")
	sb.WriteString(strings.Join(e.Problems, "; "))
	return sb.String()
}

// document accepts both a flat definition and one nested under "operation".
type document struct {
	Operation  *Definition `yaml:"operation"`
	Definition `yaml:",inline"`
}

// Parse decodes and validates one YAML definition.
func Parse(data []byte) (*Definition, error) {
	return parse("", data)
}

// Load reads and parses the definition at path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DefinitionError{Source: path, Problems: []string{err.Error()}}
	}
	return parse(path, data)
}

func parse(source string, data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DefinitionError{Source: source, Problems: []string{"document is empty"}}
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &DefinitionError{Source: source, Problems: []string{"document is empty"}}
		}
		return nil, &DefinitionError{Source: source, Problems: []string{fmt.Sprintf("yaml: %v", err)}}
	}

	def := &doc.Definition
	if doc.Operation != nil {
		def = doc.Operation
	}

	if err := Validate(def); err != nil {
		var de *DefinitionError
		if errors.As(err, &de) {
			de.Source = source
		}
		return nil, err
	}
	return def, nil
}
