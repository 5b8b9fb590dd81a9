package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/stores"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Artifacts lays out step logs and rollback scripts below one directory.
// Files are created exclusively and never overwritten.
type Artifacts struct {
	dir string
}

// NewArtifacts returns an artifact layout rooted at dir.
func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir}
}

// Dir returns the root directory.
func (a *Artifacts) Dir() string {
	return a.dir
}

// StepLogPath returns {dir}/logs/{execution}/{phase}-{NN}-{name}.log, with NN
// the one-based step number.
func (a *Artifacts) StepLogPath(executionID string, phase stores.StepPhase, index int, name string, attempt int) string {
	file := fmt.Sprintf("%s-%02d-%s", phase, index+1, safeName(name))
	if attempt > 0 {
		file += fmt.Sprintf("-retry%d", attempt)
	}
	return filepath.Join(a.dir, "logs", executionID, file+".log")
}

// CreateStepLog opens a new step log for writing.
func (a *Artifacts) CreateStepLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create step log: %w", err)
	}
	return f, nil
}

// RollbackPath returns {dir}/rollback/rollback-{execution}.sh, suffixed with
// -retry{N} for retry attempts.
func (a *Artifacts) RollbackPath(executionID string, attempt int) string {
	file := "rollback-" + executionID
	if attempt > 0 {
		file += fmt.Sprintf("-retry%d", attempt)
	}
	return filepath.Join(a.dir, "rollback", file+".sh")
}

// RollbackScript describes one rollback artifact.
type RollbackScript struct {
	OperationName  string
	OperationID    string
	ExecutionID    string
	GeneratedAt    time.Time
	FailedStep     int
	FailedStepName string
	Enabled        bool
	Steps          []definition.RollbackStep
}

type scriptStep struct {
	Number  int
	Total   int
	Name    string
	Target  string
	Command string
}

var rollbackTemplate = template.Must(template.New("rollback").Parse(`#!/usr/bin/env bash
# Rollback script for operation: {{ .OperationName }} ({{ .OperationID }})
# Execution: {{ .ExecutionID }}
# Generated: {{ .Generated }}
# Failed step: {{ .FailedStep }} ({{ .FailedStepName }})
{{- if not .Enabled }}
# Automatic rollback was disabled; none of these commands have been run.
{{- end }}
#
# Commands are listed in reverse declaration order. Review before running.
set -u
{{ range .Steps }}
# [{{ .Number }}/{{ .Total }}] {{ .Name }}{{ if .Target }} (on {{ .Target }}){{ end }}
{{ .Command }}
{{ end -}}
`))

// Render returns the script text.
func (s RollbackScript) Render() ([]byte, error) {
	steps := make([]scriptStep, 0, len(s.Steps))
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := s.Steps[i]
		steps = append(steps, scriptStep{
			Number:  len(steps) + 1,
			Total:   len(s.Steps),
			Name:    st.Name,
			Target:  st.Target,
			Command: strings.TrimRight(st.Command, "\n"),
		})
	}

	var buf bytes.Buffer
	err := rollbackTemplate.Execute(&buf, struct {
		RollbackScript
		Generated string
		Steps     []scriptStep
	}{
		RollbackScript: s,
		Generated:      s.GeneratedAt.UTC().Format(time.RFC3339),
		Steps:          steps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render rollback script: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteRollback writes the script to path with mode 0755. An existing file
// is an error.
func (a *Artifacts) WriteRollback(path string, s RollbackScript) error {
	data, err := s.Render()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create rollback directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create rollback script: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write rollback script: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// umask may have stripped the execute bits.
	return os.Chmod(path, 0o755)
}

func safeName(name string) string {
	s := strings.Trim(unsafeNameChars.ReplaceAllString(name, "-"), "-")
	if s == "" {
		return "step"
	}
	return s
}
