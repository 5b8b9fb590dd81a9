package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for lattice. A Metrics built from a
// disabled config, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	operationsStarted  *prometheus.CounterVec
	operationsFinished *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationRetries   *prometheus.CounterVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	cacheLookups      *prometheus.CounterVec
	cacheInvalidated  prometheus.Counter
	cloudCalls        *prometheus.CounterVec
	cloudCallDuration *prometheus.HistogramVec

	cyclesDetected  prometheus.Counter
	errorsByCode    *prometheus.CounterVec
	activeOperation prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a collector registered on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Operations that entered the running state",
		}, []string{"capability"}),
		operationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_finished_total",
			Help:      "Operations that reached a terminal status",
		}, []string{"capability", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time from start to terminal status",
			Buckets:   buckets,
		}, []string{"capability", "status"}),
		operationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_retries_total",
			Help:      "Retries requested for failed or blocked operations",
		}, []string{"capability"}),

		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Forward and rollback steps executed",
		}, []string{"phase", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of individual steps",
			Buckets:   buckets,
		}, []string{"phase"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Resource cache lookups by result",
		}, []string{"result"}),
		cacheInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidated_entries_total",
			Help:      "Cache entries expired by invalidation",
		}),
		cloudCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloud_calls_total",
			Help:      "Calls made to the cloud API",
		}, []string{"call", "result"}),
		cloudCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cloud_call_duration_seconds",
			Help:      "Latency of cloud API calls",
			Buckets:   buckets,
		}, []string{"call"}),

		cyclesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_cycles_detected_total",
			Help:      "Dependency cycles reported by graph analysis",
		}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Engine errors by code",
		}, []string{"code"}),
		activeOperation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_running",
			Help:      "Operations currently executing in this process",
		}),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsFinished,
		m.operationDuration,
		m.operationRetries,
		m.stepsExecuted,
		m.stepDuration,
		m.cacheLookups,
		m.cacheInvalidated,
		m.cloudCalls,
		m.cloudCallDuration,
		m.cyclesDetected,
		m.errorsByCode,
		m.activeOperation,
	)
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordOperationStarted counts an operation entering running.
func (m *Metrics) RecordOperationStarted(capability string) {
	if !m.enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(capability).Inc()
	m.activeOperation.Inc()
}

// RecordOperationFinished records the terminal status and duration. started
// tells whether the operation had been counted as running.
func (m *Metrics) RecordOperationFinished(capability, status string, duration time.Duration, started bool) {
	if !m.enabled() {
		return
	}
	m.operationsFinished.WithLabelValues(capability, status).Inc()
	m.operationDuration.WithLabelValues(capability, status).Observe(duration.Seconds())
	if started {
		m.activeOperation.Dec()
	}
}

// RecordOperationAbandoned releases the running gauge for an operation that
// stopped without reaching a terminal status.
func (m *Metrics) RecordOperationAbandoned(capability string) {
	if !m.enabled() {
		return
	}
	m.activeOperation.Dec()
}

// RecordRetry counts a retry request.
func (m *Metrics) RecordRetry(capability string) {
	if !m.enabled() {
		return
	}
	m.operationRetries.WithLabelValues(capability).Inc()
}

// RecordStep records one executed step.
func (m *Metrics) RecordStep(phase, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(phase, status).Inc()
	m.stepDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordCacheLookup counts a lookup; result is hit, miss, refresh or absent.
func (m *Metrics) RecordCacheLookup(result string) {
	if !m.enabled() {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheInvalidated adds the number of expired entries.
func (m *Metrics) RecordCacheInvalidated(count int64) {
	if !m.enabled() {
		return
	}
	m.cacheInvalidated.Add(float64(count))
}

// RecordCloudCall records a cloud API call and its outcome.
func (m *Metrics) RecordCloudCall(call string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cloudCalls.WithLabelValues(call, result).Inc()
	m.cloudCallDuration.WithLabelValues(call).Observe(duration.Seconds())
}

// RecordCycles adds the number of cycles found by an analysis run.
func (m *Metrics) RecordCycles(n int) {
	if !m.enabled() || n == 0 {
		return
	}
	m.cyclesDetected.Add(float64(n))
}

// RecordError counts an engine error code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry exposes the private registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed wall time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on an observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the registry until ctx is cancelled. Listen
// failures are sent to onError.
func (m *Metrics) StartMetricsServer(ctx context.Context, onError func(error)) {
	if !m.enabled() {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
