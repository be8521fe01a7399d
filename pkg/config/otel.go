package config

import (
	"fmt"
	"os"
	"strings"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"climate"`
	ServiceVersion     string            `yaml:"service_version" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure           bool              `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"false"`
	Headers            map[string]string `yaml:"headers"`
	Traces             OTelTracesConfig  `yaml:"traces"`
	Metrics            OTelMetricsConfig `yaml:"metrics"`
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// OTelTracesConfig contains OpenTelemetry traces configuration
type OTelTracesConfig struct {
	Enabled             bool    `yaml:"enabled" env:"OTEL_TRACES_ENABLED" env-default:"true"`
	Endpoint            string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	SamplingRatio       float64 `yaml:"sampling_ratio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
	ScheduleDelayMillis int     `yaml:"schedule_delay_millis" env:"OTEL_BSP_SCHEDULE_DELAY" env-default:"5000"`
	MaxQueueSize        int     `yaml:"max_queue_size" env:"OTEL_BSP_MAX_QUEUE_SIZE" env-default:"2048"`
	MaxExportBatchSize  int     `yaml:"max_export_batch_size" env:"OTEL_BSP_MAX_EXPORT_BATCH_SIZE" env-default:"512"`
}

// OTelMetricsConfig contains OpenTelemetry metrics configuration
type OTelMetricsConfig struct {
	Enabled              bool   `yaml:"enabled" env:"OTEL_METRICS_ENABLED" env-default:"true"`
	Endpoint             string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	IntervalMillis       int    `yaml:"interval_millis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	EnableRuntimeMetrics bool   `yaml:"enable_runtime_metrics" env:"OTEL_ENABLE_RUNTIME_METRICS" env-default:"true"`
}

// TracesEndpoint returns the traces endpoint, falling back to the shared one
func (c *OpenTelemetryConfig) TracesEndpoint() string {
	if c.Traces.Endpoint != "" {
		return c.Traces.Endpoint
	}
	return c.Endpoint
}

// MetricsEndpoint returns the metrics endpoint, falling back to the shared one
func (c *OpenTelemetryConfig) MetricsEndpoint() string {
	if c.Metrics.Endpoint != "" {
		return c.Metrics.Endpoint
	}
	return c.Endpoint
}

// ExportHeaders returns the configured OTLP headers or those from OTEL_EXPORTER_OTLP_HEADERS
func (c *OpenTelemetryConfig) ExportHeaders() map[string]string {
	if len(c.Headers) > 0 {
		return c.Headers
	}
	return ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
}

// ParseHeaders parses "key1=value1,key2=value2"
func ParseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

// ValidateOpenTelemetry validates OpenTelemetry configuration if enabled
func ValidateOpenTelemetry(cfg *OpenTelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ServiceName == "" {
		return fmt.Errorf("opentelemetry service_name is required when OpenTelemetry is enabled")
	}

	if cfg.Traces.Enabled {
		if cfg.TracesEndpoint() == "" {
			return fmt.Errorf("opentelemetry traces endpoint is required when traces are enabled")
		}
		if cfg.Traces.SamplingRatio < 0 || cfg.Traces.SamplingRatio > 1 {
			return fmt.Errorf("opentelemetry traces sampling_ratio must be between 0 and 1, got: %f", cfg.Traces.SamplingRatio)
		}
		if cfg.Traces.ScheduleDelayMillis < 0 {
			return fmt.Errorf("opentelemetry traces schedule_delay_millis must be >= 0")
		}
		if cfg.Traces.MaxQueueSize < 1 || cfg.Traces.MaxExportBatchSize < 1 {
			return fmt.Errorf("opentelemetry traces queue and batch sizes must be >= 1")
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.MetricsEndpoint() == "" {
			return fmt.Errorf("opentelemetry metrics endpoint is required when metrics are enabled")
		}
		if cfg.Metrics.IntervalMillis < 1000 {
			return fmt.Errorf("opentelemetry metrics interval_millis must be at least 1000")
		}
	}

	return nil
}
