package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ops/lattice/pkg/stores"
	"github.com/lattice-ops/lattice/pkg/stores/storetest"
)

type seeded struct {
	capability string
	kind       string
	status     stores.OperationStatus
	duration   time.Duration
}

func seed(t *testing.T, ops []seeded) *stores.SQLiteStore {
	t.Helper()
	store, _ := storetest.New(t)
	ctx := context.Background()

	for i, s := range ops {
		id := fmt.Sprintf("exec-%02d", i)
		require.NoError(t, store.CreateOperation(ctx, &stores.Operation{
			ExecutionID: id,
			OperationID: s.capability + "-" + s.kind,
			Capability:  s.capability,
			Name:        s.capability,
			Kind:        s.kind,
		}))
		switch s.status {
		case stores.OperationStatusPending:
			continue
		case stores.OperationStatusBlocked:
		default:
			require.NoError(t, store.StartOperation(ctx, id, storetest.Epoch))
		}
		if s.status == stores.OperationStatusRunning {
			continue
		}
		require.NoError(t, store.FinishOperation(ctx, id, stores.OperationOutcome{
			Status:   s.status,
			Duration: s.duration,
		}))
	}
	return store
}

func TestSummaryByCapability(t *testing.T) {
	store := seed(t, []seeded{
		{"vm", "create", stores.OperationStatusCompleted, 100 * time.Millisecond},
		{"vm", "create", stores.OperationStatusCompleted, 300 * time.Millisecond},
		{"vm", "delete", stores.OperationStatusFailed, 200 * time.Millisecond},
		{"vm", "delete", stores.OperationStatusBlocked, 0},
		{"vm", "create", stores.OperationStatusRunning, 0},
		{"dns", "update", stores.OperationStatusPending, 0},
	})

	summary, err := New(store).Summary(context.Background(), GroupByCapability)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	dns := summary[0]
	assert.Equal(t, "dns", dns.Key)
	assert.Equal(t, int64(1), dns.Total)
	assert.Equal(t, int64(1), dns.Counts[stores.OperationStatusPending])
	assert.Zero(t, dns.SuccessRate)
	assert.Zero(t, dns.AvgMS)

	vm := summary[1]
	assert.Equal(t, "vm", vm.Key)
	assert.Equal(t, int64(5), vm.Total)
	assert.Equal(t, int64(2), vm.Counts[stores.OperationStatusCompleted])
	assert.Equal(t, int64(1), vm.Counts[stores.OperationStatusRunning])
	assert.Equal(t, int64(4), vm.Finished())
	assert.InDelta(t, 50.0, vm.SuccessRate, 0.001)
	assert.InDelta(t, 150.0, vm.AvgMS, 0.001)
	assert.Equal(t, int64(0), vm.MinMS)
	assert.Equal(t, int64(300), vm.MaxMS)
}

func TestSummaryByKindAndStatus(t *testing.T) {
	store := seed(t, []seeded{
		{"vm", "create", stores.OperationStatusCompleted, 100 * time.Millisecond},
		{"dns", "create", stores.OperationStatusFailed, 50 * time.Millisecond},
		{"vm", "delete", stores.OperationStatusCompleted, 400 * time.Millisecond},
	})
	a := New(store)
	ctx := context.Background()

	byKind, err := a.Summary(ctx, GroupByKind)
	require.NoError(t, err)
	require.Len(t, byKind, 2)
	assert.Equal(t, "create", byKind[0].Key)
	assert.InDelta(t, 50.0, byKind[0].SuccessRate, 0.001)
	assert.Equal(t, int64(50), byKind[0].MinMS)
	assert.Equal(t, int64(100), byKind[0].MaxMS)
	assert.InDelta(t, 100.0, byKind[1].SuccessRate, 0.001)

	byStatus, err := a.Summary(ctx, GroupByStatus)
	require.NoError(t, err)
	require.Len(t, byStatus, 2)
	assert.Equal(t, "completed", byStatus[0].Key)
	assert.Equal(t, int64(2), byStatus[0].Total)
	assert.InDelta(t, 250.0, byStatus[0].AvgMS, 0.001)

	_, err = a.Summary(ctx, "resource")
	assert.Error(t, err)
}

func TestSlowestAndFastest(t *testing.T) {
	var ops []seeded
	for _, ms := range []int{40, 10, 30, 20, 50} {
		ops = append(ops, seeded{"vm", "create", stores.OperationStatusCompleted, time.Duration(ms) * time.Millisecond})
	}
	ops = append(ops, seeded{"vm", "create", stores.OperationStatusFailed, time.Second})
	a := New(seed(t, ops))
	ctx := context.Background()

	slow, err := a.Slowest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{50, 40}, durations(slow))

	fast, err := a.Fastest(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, durations(fast))

	all, err := a.Fastest(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "failed operations are excluded")
}

func TestOutliers(t *testing.T) {
	var ops []seeded
	for i := 0; i < 9; i++ {
		ops = append(ops, seeded{"vm", "create", stores.OperationStatusCompleted, 100 * time.Millisecond})
	}
	ops = append(ops,
		seeded{"vm", "create", stores.OperationStatusCompleted, time.Second},
		seeded{"dns", "update", stores.OperationStatusCompleted, 5 * time.Second},
		seeded{"dns", "update", stores.OperationStatusCompleted, 5 * time.Second},
	)
	a := New(seed(t, ops))

	out, err := a.Outliers(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, out, 1, "a capability with no spread has no outliers")

	o := out[0]
	assert.Equal(t, "vm", o.Operation.Capability)
	assert.Equal(t, int64(1000), *o.Operation.DurationMS)
	assert.InDelta(t, 190.0, o.MeanMS, 0.001)
	assert.InDelta(t, 270.0, o.StdDevMS, 0.001)
	assert.InDelta(t, 730.0, o.Threshold, 0.001)
	assert.InDelta(t, 3.0, o.Sigma, 0.001)

	out, err = a.Outliers(context.Background(), 3.5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSuccessRates(t *testing.T) {
	store := seed(t, []seeded{
		{"vm", "create", stores.OperationStatusCompleted, time.Millisecond},
		{"vm", "create", stores.OperationStatusCompleted, time.Millisecond},
		{"vm", "create", stores.OperationStatusCompleted, time.Millisecond},
		{"vm", "delete", stores.OperationStatusFailed, time.Millisecond},
		{"dns", "update", stores.OperationStatusBlocked, 0},
		{"lb", "update", stores.OperationStatusPending, 0},
	})

	rates, err := New(store).SuccessRates(context.Background())
	require.NoError(t, err)
	require.Len(t, rates, 2, "capabilities with nothing finished are skipped")

	assert.Equal(t, "dns", rates[0].Capability)
	assert.Equal(t, int64(1), rates[0].Blocked)
	assert.Zero(t, rates[0].Rate)

	assert.Equal(t, "vm", rates[1].Capability)
	assert.Equal(t, int64(3), rates[1].Completed)
	assert.Equal(t, int64(1), rates[1].Failed)
	assert.InDelta(t, 75.0, rates[1].Rate, 0.001)
}

func durations(ops []*stores.Operation) []int64 {
	out := make([]int64, len(ops))
	for i, op := range ops {
		out[i] = *op.DurationMS
	}
	return out
}
