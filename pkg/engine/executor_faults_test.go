package engine

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// unavailableStore fails the selected writes with ErrStoreUnavailable.
type unavailableStore struct {
	Store
	failProgress bool
	failFinish   bool
}

func (s *unavailableStore) UpdateOperationProgress(ctx context.Context, executionID string, current, total int, description string) error {
	if s.failProgress {
		return stores.ErrStoreUnavailable
	}
	return s.Store.UpdateOperationProgress(ctx, executionID, current, total, description)
}

func (s *unavailableStore) FinishOperation(ctx context.Context, executionID string, outcome stores.OperationOutcome) error {
	if s.failFinish {
		return stores.ErrStoreUnavailable
	}
	return s.Store.FinishOperation(ctx, executionID, outcome)
}

func meteredTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	tel := telemetry.NewNopTelemetry()
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "lattice", Path: "/metrics", ListenAddress: ":0"})
	require.NoError(t, err)
	tel.Metrics = m
	return tel
}

func scrape(tel *telemetry.Telemetry) string {
	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestBlockedOperationsAreNotCountedAsRunning(t *testing.T) {
	ctx := context.Background()
	tel := meteredTelemetry(t)
	h := newHarness(t, WithTelemetry(tel))

	def := parse(t, vmCreate+`
prerequisites:
  resources:
    - /group/rg-net/type/virtualNetworks/name/vnet1
`)
	for i := 0; i < 3; i++ {
		op, err := h.exec.Execute(ctx, def, ExecuteOptions{})
		require.NoError(t, err)
		require.Equal(t, stores.OperationStatusBlocked, op.Status)
	}

	body := scrape(tel)
	assert.Contains(t, body, "lattice_operations_running 0")
	assert.Contains(t, body, `lattice_operations_finished_total{capability="compute",status="blocked"} 3`)
	assert.NotContains(t, body, `lattice_operations_started_total{capability="compute"}`)
}

func TestCompletedOperationIsCountedOnce(t *testing.T) {
	ctx := context.Background()
	tel := meteredTelemetry(t)
	h := newHarness(t, WithTelemetry(tel))

	op, err := h.exec.Execute(ctx, parse(t, vmCreate), ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, stores.OperationStatusCompleted, op.Status)

	body := scrape(tel)
	assert.Contains(t, body, `lattice_operations_started_total{capability="compute"} 1`)
	assert.Contains(t, body, "lattice_operations_running 0")
}

func TestExecuteStopsWhenProgressCannotBeWritten(t *testing.T) {
	ctx := context.Background()
	tel := meteredTelemetry(t)
	h := newHarnessOver(t, func(s Store) Store {
		return &unavailableStore{Store: s, failProgress: true}
	}, WithTelemetry(tel))

	op, err := h.exec.Execute(ctx, parse(t, vmCreate), ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, IsStoreUnavailable(err))

	// Nothing past the first step runs, not even rollback.
	assert.Equal(t, []string{"create-nic"}, h.runner.names())

	require.NotNil(t, op)
	stored, err := h.store.GetOperation(ctx, op.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, stores.OperationStatusRunning, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.Nil(t, stored.CompletedAt)
	assert.Nil(t, stored.DurationMS)

	assert.Contains(t, scrape(tel), "lattice_operations_running 0")
}

func TestExecuteLeavesRunningRecordWhenFinishFails(t *testing.T) {
	ctx := context.Background()
	tel := meteredTelemetry(t)
	h := newHarnessOver(t, func(s Store) Store {
		return &unavailableStore{Store: s, failFinish: true}
	}, WithTelemetry(tel))

	op, err := h.exec.Execute(ctx, parse(t, vmCreate), ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, IsStoreUnavailable(err))
	assert.Equal(t, []string{"create-nic", "create-vm"}, h.runner.names())

	require.NotNil(t, op)
	stored, err := h.store.GetOperation(ctx, op.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, stores.OperationStatusRunning, stored.Status)
	assert.Nil(t, stored.CompletedAt)
	assert.Nil(t, stored.DurationMS)

	body := scrape(tel)
	assert.Contains(t, body, "lattice_operations_running 0")
	assert.NotContains(t, body, `lattice_operations_finished_total{capability="compute"`)
}
