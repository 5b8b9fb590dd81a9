package definition

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	var de *DefinitionError
	require.True(t, errors.As(err, &de), "expected *DefinitionError, got %T: %v", err, err)
	return de.Problems
}

func containsProblem(problems []string, substr string) bool {
	for _, p := range problems {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func TestLoad(t *testing.T) {
	def, err := Load(filepath.Join("testdata", "vm-create.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "vm-create", def.ID)
	assert.Equal(t, "compute", def.Capability)
	assert.Equal(t, "create", def.Kind)
	assert.Equal(t, "/group/rg-avd/type/virtualMachines/name/vm1", def.Resource)
	require.NotNil(t, def.Duration)
	assert.Equal(t, 900, def.Duration.Timeout)
	assert.Equal(t, []string{"vnet-create"}, def.Prerequisites.Operations)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, "create-vm", def.Steps[1].Name)
	assert.False(t, def.Steps[0].Remote())
	require.Len(t, def.Rollback.Steps, 2)
	assert.True(t, def.Rollback.IsEnabled())
	assert.Len(t, def.Validation.PostChecks, 2)
	assert.Equal(t, DefaultMaxRetries, def.EffectiveMaxRetries())
	assert.False(t, def.Destructive())
}

func TestLoadNestedOperationDocument(t *testing.T) {
	def, err := Load(filepath.Join("testdata", "wrapped.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "storage-account-create", def.ID)
	assert.False(t, def.Rollback.IsEnabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "nope.yaml"))
	problems := problemsOf(t, err)
	assert.Len(t, problems, 1)
}

func TestParseMinimal(t *testing.T) {
	def, err := Parse([]byte(`
id: noop
name: No-op
kind: verify
steps:
  - name: echo
    command: echo ok
`))
	require.NoError(t, err)
	assert.Equal(t, "noop", def.ID)
	assert.Empty(t, def.Capability)
	assert.Nil(t, def.Duration)
}

func TestParseReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
id: "bad id"
kind: explode
capability: gardening
resource: /subscriptions/x/resourceGroups/y
duration:
  expected: 0
  timeout: 10
  type: SOMETIMES
steps:
  - name: missing-command
prerequisites:
  resources: [not-an-identity]
`))
	require.Error(t, err)
	problems := problemsOf(t, err)

	for _, want := range []string{
		"id:",
		"name: is required",
		"kind:",
		"capability:",
		"resource:",
		"duration.expected",
		"duration.type",
		"steps[0].command: is required",
		"prerequisites.resources[0]",
	} {
		assert.True(t, containsProblem(problems, want), "missing problem %q in %v", want, problems)
	}
	assert.Contains(t, err.Error(), "invalid definition")
}

func TestParseSchemaRejectsTimeoutBelowExpected(t *testing.T) {
	_, err := Parse([]byte(`
id: slow
name: Slow
kind: create
duration:
  expected: 600
  timeout: 60
  type: LONG
steps:
  - name: wait
    command: sleep 1
`))
	problems := problemsOf(t, err)
	assert.True(t, containsProblem(problems, "timeout"), "problems: %v", problems)
}

func TestParseSchemaBoundsMaxRetries(t *testing.T) {
	_, err := Parse([]byte(`
id: retry-happy
name: Retry happy
kind: update
max_retries: 50
steps:
  - name: go
    command: "true"
`))
	problems := problemsOf(t, err)
	assert.True(t, containsProblem(problems, "max_retries"), "problems: %v", problems)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":      "",
		"whitespace": "   \n\t",
		"syntax":     "id: [unterminated",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			problemsOf(t, err)
		})
	}
}

func TestMarshalRoundTripKeepsSemantics(t *testing.T) {
	def, err := Load(filepath.Join("testdata", "vm-create.yaml"))
	require.NoError(t, err)

	data, err := def.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, def, restored)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal("{not json")
	problemsOf(t, err)
}

func TestDestructiveKinds(t *testing.T) {
	for kind, want := range map[string]bool{
		"delete": true, "drain": true, "remove": true,
		"create": false, "adopt": false,
	} {
		d := &Definition{Kind: kind}
		assert.Equal(t, want, d.Destructive(), kind)
	}
}
