package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of a board file.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment is attached to every span (dev, lab, prod).
	Environment string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`
}

// LoggingConfig configures the bus logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`

	// Output is stderr, stdout or a file path.
	Output string `yaml:"output" json:"output"`

	EnableCaller bool   `yaml:"enable_caller" json:"enable_caller"`
	TimeFormat   string `yaml:"time_format" json:"time_format" validate:"omitempty,oneof=unix unixms rfc3339"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Exporter is otlp, stdout or none. With none, spans are sampled but
	// dropped.
	Exporter string `yaml:"exporter" json:"exporter" validate:"oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	SamplingRate  float64       `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `yaml:"export_timeout" json:"export_timeout"`
	Insecure      bool          `yaml:"insecure" json:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ListenAddress serves Path over HTTP. Empty disables the endpoint but
	// keeps collecting.
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`
}

// EventsConfig configures event delivery.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	BufferSize int  `yaml:"buffer_size" json:"buffer_size" validate:"gte=0"`

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

// DefaultConfig is the daemon's telemetry when the board file has none:
// console logs at info, metrics on :9464, no tracing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pbus",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "pbus",
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
		},
	}
}

// DevelopmentConfig adds debug logs with callers and pretty-printed spans.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// TestConfig returns a quiet configuration for unit tests: no log output,
// no tracing, synchronous events, metrics on a private registry.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "test"
	cfg.Logging.Level = "disabled"
	cfg.Metrics.ListenAddress = ""
	cfg.Events.EnableAsync = false
	return cfg
}

var configValidator = validator.New()

// Validate checks field values and the settings that depend on each other.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid telemetry %s: %q fails %q", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag())
		}
		return err
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("otlp trace exporter requires an endpoint")
	}
	if c.Events.Enabled && c.Events.BufferSize == 0 {
		return errors.New("event buffer size must be positive")
	}
	return nil
}
