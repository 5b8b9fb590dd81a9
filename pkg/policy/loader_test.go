package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "naming.rego", `# Resource names must be lowercase.
# Applies to every create.
# severity: critical
package lattice.custom.naming

deny[msg] {
	input.operation.name == "INVALID"
	msg := "invalid name"
}`)

	l := NewLoader(zerolog.Nop())
	p, err := l.loadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "naming", p.Name)
	assert.Equal(t, "Resource names must be lowercase. Applies to every create.", p.Description)
	assert.Equal(t, SeverityCritical, p.Severity)
	assert.True(t, p.Enabled)
	assert.Equal(t, path, p.Metadata["source"])

	// cached copies are independent
	p.Enabled = false
	again, err := l.loadFromFile(path)
	require.NoError(t, err)
	assert.True(t, again.Enabled)
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(zerolog.Nop())

	p, err := l.loadFromFile(writeFile(t, dir, "a.json", `{"name": "quota", "rego": "package q", "severity": "error"}`))
	require.NoError(t, err)
	assert.Equal(t, "quota", p.Name)
	assert.Equal(t, SeverityError, p.Severity)
	assert.True(t, p.Enabled)

	p, err = l.loadFromFile(writeFile(t, dir, "b.json", `{"name": "off", "rego": "package off", "enabled": false, "builtin": true}`))
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.False(t, p.Builtin)
	assert.Equal(t, SeverityWarning, p.Severity)

	_, err = l.loadFromFile(writeFile(t, dir, "c.json", `{"rego": "package x"}`))
	assert.Error(t, err)

	_, err = l.loadFromFile(writeFile(t, dir, "d.json", `{`))
	assert.Error(t, err)
}

func TestLoadFromPathsSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.rego", "package one")
	writeFile(t, dir, "nested/two.rego", "package two")
	writeFile(t, dir, "broken.json", "{")
	writeFile(t, dir, "README.md", "# not a policy")

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, names)

	_, err = l.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bundle.json", `{
  "name": "azure-guardrails",
  "version": "1.2.0",
  "policies": [
    {"name": "a", "rego": "package a", "enabled": true},
    {"name": "b", "rego": "package b", "severity": "error", "enabled": true}
  ]
}`)

	l := NewLoader(zerolog.Nop())
	b, err := l.LoadBundle(path)
	require.NoError(t, err)
	assert.Equal(t, "azure-guardrails", b.Name)
	require.Len(t, b.Policies, 2)
	assert.Equal(t, SeverityWarning, b.Policies[0].Severity)
	assert.Equal(t, SeverityError, b.Policies[1].Severity)

	_, err = l.LoadBundle(filepath.Join(dir, "nope.json"))
	assert.Error(t, err)
}

func TestStopWatchingWithoutWatch(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	assert.NoError(t, l.StopWatching())
	l.ClearCache()
}

func TestEngineLoadBundle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bundle.json", `{"name": "guardrails", "version": "1", "policies": [
  {"name": "subject", "rego": "package lattice.custom.subject\n\nimport rego.v1\n\ndeny contains \"no resource\" if { not input.operation.resource }", "severity": "error", "enabled": true}
]}`)

	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, eng.LoadBundle(context.Background(), path))

	result, err := eng.EvaluateDefinition(context.Background(), baseDefinition())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"subject"}, policyNames(result.Violations))
}
