package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config selects how lattice logs, traces, counts and publishes events.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `validate:"oneof=console json"`
	// Output is stderr, stdout or a file path opened for append.
	Output string

	EnableCaller bool

	EnableSampling     bool
	SamplingInitial    int `validate:"gte=0"`
	SamplingThereafter int `validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures span export. With Enabled false spans are
// created but never leave the process.
type TracingConfig struct {
	Enabled            bool
	Exporter           string  `validate:"oneof=otlp stdout none"`
	Endpoint           string  `validate:"required_if=Exporter otlp Enabled true"`
	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled                 bool
	ListenAddress           string `validate:"required_if=Enabled true"`
	Path                    string
	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled       bool
	BufferSize    int `validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration
	MaxBatchSize  int
	// EnableAsync delivers events from a background goroutine in batches.
	EnableAsync bool
}

// DefaultConfig is what the CLI starts from: console logs on stderr,
// synchronous events, no trace export and no metrics endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "lattice",
		ServiceVersion: "dev",
		Environment:    "local",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "lattice",
			// Steps range from sub-second CLI calls to half-hour provisioning.
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    256,
			FlushInterval: time.Second,
			MaxBatchSize:  50,
		},
	}
}

var configValidator = validator.New()

// Validate checks every section.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
