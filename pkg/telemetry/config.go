package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for modsync.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `json:"serviceName"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `json:"serviceVersion"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `json:"environment"`

	// Logging contains logging configuration.
	Logging LoggingConfig `json:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `json:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `json:"metrics"`

	// Events contains event publishing configuration.
	Events EventsConfig `json:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `json:"level"`

	// Format specifies the log format (console, json).
	Format string `json:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `json:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `json:"enableCaller"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `json:"enableSampling"`

	// SamplingInitial is the number of messages logged per second initially.
	SamplingInitial int `json:"samplingInitial"`

	// SamplingThereafter logs every Nth message after the initial sample.
	SamplingThereafter int `json:"samplingThereafter"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `json:"timeFormat"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `json:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `json:"exporter"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `json:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `json:"samplingRate"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `json:"maxExportBatchSize"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `json:"exportTimeout"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `json:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `json:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `json:"enabled"`

	// Namespace is the metrics namespace prefix.
	Namespace string `json:"namespace"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `json:"defaultHistogramBuckets"`
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool `json:"enabled"`

	// BufferSize is the size of the event buffer.
	BufferSize int `json:"bufferSize"`

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool `json:"enableAsync"`

	// LogLevel is the lowest event level written to the log (info, warning
	// or error). Empty disables event logging.
	LogLevel string `json:"logLevel"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "modsync",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "modsync",
			DefaultHistogramBuckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
			LogLevel:    EventLevelWarning,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if _, ok := eventLevels[c.Events.LogLevel]; c.Events.LogLevel != "" && !ok {
		return fmt.Errorf("invalid event log level: %s", c.Events.LogLevel)
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
