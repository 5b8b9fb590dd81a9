package definition

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vmInput = CheckInput{
	Properties: json.RawMessage(`{
		"hardwareProfile": {"vmSize": "Standard_D4s_v5"},
		"storageProfile": {"dataDisks": [{"lun": 0}, {"lun": 1}]},
		"priority": 2,
		"ratio": 0.5
	}`),
	State: "Succeeded",
	Tags:  map[string]string{"env": "prod"},
}

func TestCheckEvaluatorEvaluate(t *testing.T) {
	ce := NewCheckEvaluator(time.Second, 0)
	ctx := context.Background()

	tests := []struct {
		name    string
		expr    string
		want    bool
		wantErr bool
	}{
		{name: "state", expr: `state == "Succeeded"`, want: true},
		{name: "nested index", expr: `resource["hardwareProfile"]["vmSize"] == "Standard_D4s_v5"`, want: true},
		{name: "lookup helper", expr: `lookup(resource, "hardwareProfile.vmSize") == "Standard_D4s_v5"`, want: true},
		{name: "lookup default", expr: `lookup(resource, "osProfile.adminUsername", "none") == "none"`, want: true},
		{name: "list length", expr: `len(resource["storageProfile"]["dataDisks"]) == 2`, want: true},
		{name: "integers stay integers", expr: `resource["priority"] + 1 == 3`, want: true},
		{name: "floats", expr: `resource["ratio"] < 1.0`, want: true},
		{name: "tags", expr: `tags.get("env") == "prod"`, want: true},
		{name: "false", expr: `"owner" in tags`, want: false},
		{name: "not a bool", expr: `state`, wantErr: true},
		{name: "syntax error", expr: `state ==`, wantErr: true},
		{name: "runtime error", expr: `resource["nope"] == 1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ce.Evaluate(ctx, tt.expr, vmInput)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckEvaluatorEmptyProperties(t *testing.T) {
	ce := NewCheckEvaluator(0, 0)
	ok, err := ce.Evaluate(context.Background(), `len(resource) == 0 and state == ""`, CheckInput{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckEvaluatorStepLimit(t *testing.T) {
	ce := NewCheckEvaluator(5*time.Second, 1000)
	_, err := ce.Evaluate(context.Background(), `len([x for x in range(1000000)]) > 0`, vmInput)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many steps")
}

func TestCheckEvaluatorTimeout(t *testing.T) {
	ce := NewCheckEvaluator(20*time.Millisecond, 1<<62)
	_, err := ce.Evaluate(context.Background(), `len([x for x in range(100000000)]) > 0`, vmInput)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCheckEvaluatorEvaluateAll(t *testing.T) {
	ce := NewCheckEvaluator(time.Second, 0)

	results, err := ce.EvaluateAll(context.Background(), []string{
		`state == "Succeeded"`,
		`tags["env"] == "dev"`,
		`True`,
	}, vmInput)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluated to False")
	require.Len(t, results, 2, "evaluation stops at the first failing check")
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)

	results, err = ce.EvaluateAll(context.Background(), []string{`True`, `state != ""`}, vmInput)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCheckEvaluatorRejectsBadProperties(t *testing.T) {
	ce := NewCheckEvaluator(0, 0)
	_, err := ce.Evaluate(context.Background(), `True`, CheckInput{Properties: json.RawMessage(`{broken`)})
	assert.Error(t, err)
}
