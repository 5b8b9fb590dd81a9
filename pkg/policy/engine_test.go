package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ops/lattice/pkg/definition"
	"github.com/lattice-ops/lattice/pkg/engine"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	require.NoError(t, err)
	return eng
}

func baseDefinition() *definition.Definition {
	return &definition.Definition{
		ID:   "vm-create",
		Name: "Create VM",
		Kind: "create",
		Steps: []definition.Step{
			{Name: "create-vm", Command: "az vm create -g rg -n vm1"},
		},
	}
}

func policyNames(vs []engine.PolicyViolation) []string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Policy
	}
	return names
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		assert.True(t, p.Builtin)
		assert.True(t, p.Enabled)
	}
	assert.Equal(t, []string{"definition_steps", "destructive_rollback", "duration_bounds", "remote_targets"}, names)

	_, err := eng.GetPolicy("missing")
	assert.Error(t, err)
}

func TestEvaluateDefinitionBuiltins(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(d *definition.Definition)
		hosts     []string
		violation string
	}{
		{name: "valid"},
		{
			name:      "no steps",
			mutate:    func(d *definition.Definition) { d.Steps = nil },
			violation: "definition_steps",
		},
		{
			name:      "delete without rollback",
			mutate:    func(d *definition.Definition) { d.Kind = "delete" },
			violation: "destructive_rollback",
		},
		{
			name: "delete allowed explicitly",
			mutate: func(d *definition.Definition) {
				d.Kind = "delete"
				d.AllowDestructive = true
			},
		},
		{
			name: "drain with rollback",
			mutate: func(d *definition.Definition) {
				d.Kind = "drain"
				d.Rollback.Steps = []definition.RollbackStep{{Name: "undrain", Command: "az vm start"}}
			},
		},
		{
			name: "timeout below expected",
			mutate: func(d *definition.Definition) {
				d.Duration = &definition.Duration{Expected: 600, Timeout: 300, Type: "NORMAL"}
			},
			violation: "duration_bounds",
		},
		{
			name: "timeout covers expected",
			mutate: func(d *definition.Definition) {
				d.Duration = &definition.Duration{Expected: 300, Timeout: 600, Type: "NORMAL"}
			},
		},
		{
			name:      "unknown step target",
			mutate:    func(d *definition.Definition) { d.Steps[0].Target = "jump09" },
			hosts:     []string{"jump01"},
			violation: "remote_targets",
		},
		{
			name: "unknown rollback target",
			mutate: func(d *definition.Definition) {
				d.Rollback.Steps = []definition.RollbackStep{{Name: "cleanup", Command: "rm -rf /tmp/x", Target: "jump09"}}
			},
			violation: "remote_targets",
		},
		{
			name:   "known step target",
			mutate: func(d *definition.Definition) { d.Steps[0].Target = "jump01" },
			hosts:  []string{"jump01"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, WithHosts(tt.hosts))
			def := baseDefinition()
			if tt.mutate != nil {
				tt.mutate(def)
			}

			result, err := eng.EvaluateDefinition(context.Background(), def)
			require.NoError(t, err)

			if tt.violation == "" {
				assert.True(t, result.Allowed)
				assert.Empty(t, result.Violations)
				return
			}
			assert.False(t, result.Allowed)
			require.Len(t, result.Violations, 1)
			v := result.Violations[0]
			assert.Equal(t, tt.violation, v.Policy)
			assert.Equal(t, "error", v.Severity)
			assert.NotEmpty(t, v.Message)
			assert.NotEmpty(t, v.Remediation)
		})
	}
}

func TestEvaluateDefinitionNil(t *testing.T) {
	_, err := newTestEngine(t).EvaluateDefinition(context.Background(), nil)
	assert.Error(t, err)
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	eng := newTestEngine(t)
	def := baseDefinition()
	def.Steps = nil

	require.NoError(t, eng.DisablePolicy("definition_steps"))
	result, err := eng.EvaluateDefinition(context.Background(), def)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	require.NoError(t, eng.EnablePolicy("definition_steps"))
	result, err = eng.EvaluateDefinition(context.Background(), def)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	assert.Error(t, eng.DisablePolicy("missing"))
}

const ownerPolicy = `# Create operations must name their subject resource.
package lattice.custom.subject

import rego.v1

deny contains msg if {
	input.operation.kind == "create"
	not input.operation.resource
	msg := sprintf("%s declares no resource", [input.operation.id])
}
`

func TestCustomPoliciesWarnByDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subject.rego"), []byte(ownerPolicy), 0o644))

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))

	p, err := eng.GetPolicy("subject")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, p.Severity)
	assert.False(t, p.Builtin)

	result, err := eng.EvaluateDefinition(context.Background(), baseDefinition())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "subject", result.Warnings[0].Policy)
	assert.Equal(t, "vm-create declares no resource", result.Warnings[0].Message)
}

func TestCustomPolicySeverityHeaderBlocks(t *testing.T) {
	dir := t.TempDir()
	src := "# severity: error\n" + ownerPolicy
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subject.rego"), []byte(src), 0o644))

	eng := newTestEngine(t)
	require.NoError(t, eng.LoadPolicies(context.Background(), []string{dir}))

	result, err := eng.EvaluateDefinition(context.Background(), baseDefinition())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"subject"}, policyNames(result.Violations))
}

func TestCustomPoliciesCannotShadowBuiltins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "definition_steps.rego"), []byte(ownerPolicy), 0o644))

	eng := newTestEngine(t)
	err := eng.LoadPolicies(context.Background(), []string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadows a built-in")
}

func TestReplaceCustomKeepsPreviousSetOnFailure(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	require.NoError(t, eng.replaceCustom(ctx, []Policy{{Name: "subject", Rego: ownerPolicy, Severity: SeverityWarning, Enabled: true}}))
	err := eng.replaceCustom(ctx, []Policy{{Name: "broken", Rego: "package x\n\ndeny contains if {", Enabled: true}})
	require.Error(t, err)

	_, err = eng.GetPolicy("subject")
	assert.NoError(t, err)
	_, err = eng.GetPolicy("broken")
	assert.Error(t, err)

	require.NoError(t, eng.replaceCustom(ctx, nil))
	_, err = eng.GetPolicy("subject")
	assert.Error(t, err)
	assert.Len(t, eng.ListPolicies(), 4)
}

func TestReloadPoliciesDropsCustom(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	require.NoError(t, eng.replaceCustom(ctx, []Policy{{Name: "subject", Rego: ownerPolicy, Severity: SeverityWarning, Enabled: true}}))
	require.NoError(t, eng.DisablePolicy("remote_targets"))

	require.NoError(t, eng.ReloadPolicies(ctx))
	assert.Len(t, eng.ListPolicies(), 4)
	p, err := eng.GetPolicy("remote_targets")
	require.NoError(t, err)
	assert.True(t, p.Enabled)
}

func TestWatchHotReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	eng := newTestEngine(t)
	eng.loader.reloadDelay = 10 * time.Millisecond
	require.NoError(t, eng.Watch(ctx, dir))
	defer func() { _ = eng.Close() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "subject.rego"), []byte(ownerPolicy), 0o644))

	assert.Eventually(t, func() bool {
		result, err := eng.EvaluateDefinition(ctx, baseDefinition())
		return err == nil && len(result.Warnings) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "subject.rego")))
	assert.Eventually(t, func() bool {
		_, err := eng.GetPolicy("subject")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}
