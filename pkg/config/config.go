package config

import (
	"fmt"
	"time"

	"github.com/lattice-ops/lattice/pkg/telemetry"
)

// Config is the lattice runtime configuration.
type Config struct {
	Store     StoreConfig     `json:"store" envPrefix:"STORE_"`
	Cache     CacheConfig     `json:"cache" envPrefix:"CACHE_"`
	Artifacts ArtifactsConfig `json:"artifacts" envPrefix:"ARTIFACTS_"`
	Executor  ExecutorConfig  `json:"executor" envPrefix:"EXECUTOR_"`
	Cloud     CloudConfig     `json:"cloud" envPrefix:"CLOUD_"`
	Policy    PolicyConfig    `json:"policy" envPrefix:"POLICY_"`
	Hosts     []HostConfig    `json:"hosts" validate:"unique=Name,dive"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path" env:"PATH" validate:"required"`
}

// CacheConfig controls resource cache freshness.
type CacheConfig struct {
	TTL Duration `json:"ttl" env:"TTL" validate:"gt=0"`
}

// ArtifactsConfig locates rollback scripts and step logs.
type ArtifactsConfig struct {
	Dir string `json:"dir" env:"DIR" validate:"required"`
}

// ExecutorConfig bounds retries and batch parallelism.
type ExecutorConfig struct {
	MaxRetries  int `json:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	MaxParallel int `json:"max_parallel" env:"MAX_PARALLEL" validate:"gte=1,lte=64"`
}

// CloudConfig selects the cloud CLI and throttles queries to it.
type CloudConfig struct {
	CLI           string  `json:"cli" env:"CLI" validate:"required"`
	Subscription  string  `json:"subscription" env:"SUBSCRIPTION"`
	RatePerSecond float64 `json:"rate_per_second" env:"RATE_PER_SECOND" validate:"gte=0"`
	Burst         int     `json:"burst" env:"BURST" validate:"gte=0"`
}

// PolicyConfig locates custom Rego policies.
type PolicyConfig struct {
	Dir   string `json:"dir" env:"DIR"`
	Watch bool   `json:"watch" env:"WATCH"`
}

// HostConfig is a remote target for steps.
type HostConfig struct {
	Name       string `json:"name" validate:"required"`
	Address    string `json:"address" validate:"required"`
	Port       int    `json:"port" validate:"gte=0,lte=65535"`
	User       string `json:"user" validate:"required"`
	KeyFile    string `json:"key_file" validate:"required_without=Password"`
	Password   string `json:"password"`
	KnownHosts string `json:"known_hosts"`
}

// TelemetryConfig holds logging, metrics and tracing settings.
type TelemetryConfig struct {
	LogLevel        string `json:"log_level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	LogFormat       string `json:"log_format" env:"LOG_FORMAT" validate:"oneof=console json"`
	MetricsEnabled  bool   `json:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsAddr     string `json:"metrics_addr" env:"METRICS_ADDR" validate:"required_if=MetricsEnabled true"`
	TracingExporter string `json:"tracing_exporter" env:"TRACING_EXPORTER" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string `json:"otlp_endpoint" env:"OTLP_ENDPOINT" validate:"required_if=TracingExporter otlp"`
}

// Default returns the configuration used when no file or variable says
// otherwise.
func Default() *Config {
	return &Config{
		Store:     StoreConfig{Path: "lattice.db"},
		Cache:     CacheConfig{TTL: Duration(15 * time.Minute)},
		Artifacts: ArtifactsConfig{Dir: "artifacts"},
		Executor:  ExecutorConfig{MaxRetries: 3, MaxParallel: 4},
		Cloud:     CloudConfig{CLI: "az", RatePerSecond: 5, Burst: 10},
		Policy:    PolicyConfig{Dir: "", Watch: false},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsAddr:     ":9464",
			TracingExporter: "none",
		},
	}
}

// HostNames lists the configured remote targets.
func (c *Config) HostNames() []string {
	names := make([]string, len(c.Hosts))
	for i, h := range c.Hosts {
		names[i] = h.Name
	}
	return names
}

// TelemetryConfig maps the telemetry section onto the telemetry package
// configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddr
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Endpoint = c.Telemetry.OTLPEndpoint
	return tc
}

// Duration is a time.Duration read from strings such as "15m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
