package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	assert.Error(t, cfg.Validate(), "otlp needs an endpoint")
	cfg.Tracing.Endpoint = "collector:4317"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("executor").
		WithExecutionID("vm-create-20250101-000000-abcd1234").
		WithStep(2, "attach-nic").
		Info("step started")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "executor", line["component"])
	assert.Equal(t, "vm-create-20250101-000000-abcd1234", line["execution_id"])
	assert.Equal(t, float64(2), line["step"])
	assert.Equal(t, "attach-nic", line["step_name"])
	assert.Equal(t, "info", line["level"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warning", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerContextRoundTrip(t *testing.T) {
	logger := NewNopLogger().WithResourceID("/group/rg/type/disks/name/d1")
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	m.RecordOperationStarted("vm")
	m.RecordCacheLookup("hit")
	assert.Nil(t, m.Registry())

	var nilMetrics *Metrics
	nilMetrics.RecordStep("forward", "completed", time.Second)
	nilMetrics.RecordError("STEP_FAILED")
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "lattice", Path: "/metrics", ListenAddress: ":0"})
	require.NoError(t, err)

	m.RecordOperationStarted("compute")
	m.RecordOperationFinished("compute", "failed", 3*time.Second, true)
	m.RecordOperationStarted("compute")
	m.RecordOperationAbandoned("compute")
	m.RecordOperationFinished("compute", "blocked", 0, false)
	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("miss")
	m.RecordCacheInvalidated(4)
	m.RecordCycles(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `lattice_operations_finished_total{capability="compute",status="failed"} 1`)
	assert.Contains(t, body, `lattice_cache_lookups_total{result="hit"} 2`)
	assert.Contains(t, body, "lattice_cache_invalidated_entries_total 4")
	assert.Contains(t, body, "lattice_graph_cycles_detected_total 2")
	assert.Contains(t, body, `lattice_operations_started_total{capability="compute"} 2`)
	assert.Contains(t, body, `lattice_operations_finished_total{capability="compute",status="blocked"} 1`)
	assert.Contains(t, body, "lattice_operations_running 0")
}

func TestSyncEventDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))

	require.NoError(t, ep.PublishOperationStarted("exec-1", "vm-create", ""))
	require.NoError(t, ep.PublishOperationFinished("exec-1", "blocked", time.Second, "prerequisite missing"))
	require.NoError(t, ep.PublishOperationFinished("exec-1", "failed", time.Second, "step 3"))

	require.Len(t, got, 2)
	assert.Equal(t, EventTypeOperationBlocked, got[0].Type)
	assert.Equal(t, EventTypeOperationFailed, got[1].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "prerequisite missing", got[0].Data["reason"])
}

func TestAsyncEventsDrainOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, MaxBatchSize: 100, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByExecutionID("exec-2"))

	for i := 0; i < 5; i++ {
		require.NoError(t, ep.PublishRollbackStarted("exec-2", i))
	}
	require.NoError(t, ep.PublishRollbackStarted("other", 1))

	require.NoError(t, ep.Shutdown(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count)
}

func TestDisabledPublisher(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	require.NoError(t, err)
	assert.NoError(t, ep.PublishCacheInvalidated("*", "test", 1))
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestInstrumentedContext(t *testing.T) {
	tel := NewNopTelemetry()
	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))

	ic := StartOperation(ctx, "graph.build", AttrResourceID.String("/group/rg/type/disks/name/d1"))
	require.NotNil(t, ic.Span)
	elapsed := ic.End(errors.New("boom"))
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))

	bare := StartOperation(context.Background(), "bare")
	bare.End(nil)
	assert.NotNil(t, bare.Logger)
	require.NoError(t, tel.Shutdown(context.Background()))
}
