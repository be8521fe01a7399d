package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/config"
)

// Providers holds the initialized OpenTelemetry providers
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// InitProviders initializes OpenTelemetry tracer and meter providers.
// It returns nil providers when telemetry is disabled; the global no-op
// providers then stay in place.
func InitProviders(ctx context.Context, otelCfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !otelCfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	res := newResource(otelCfg)
	providers := &Providers{logger: logger}

	if otelCfg.Traces.Enabled {
		tp, err := newTracerProvider(ctx, otelCfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		logger.Info("tracer provider initialized",
			zap.String("endpoint", otelCfg.TracesEndpoint()),
			zap.Float64("sampling_ratio", otelCfg.Traces.SamplingRatio),
		)
	}

	if otelCfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, otelCfg, res)
		if err != nil {
			if providers.TracerProvider != nil {
				_ = providers.TracerProvider.Shutdown(ctx)
			}
			return nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		providers.MeterProvider = mp
		otel.SetMeterProvider(mp)

		logger.Info("meter provider initialized",
			zap.String("endpoint", otelCfg.MetricsEndpoint()),
			zap.Int("interval_ms", otelCfg.Metrics.IntervalMillis),
		)

		if otelCfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("failed to start runtime metrics collection", zap.Error(err))
			}
		}
	}

	return providers, nil
}

// Shutdown flushes and stops the providers
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		return err
	}
	p.logger.Info("OpenTelemetry providers shutdown complete")
	return nil
}

func newResource(otelCfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(otelCfg.ServiceName),
		semconv.ServiceVersionKey.String(otelCfg.ServiceVersion),
		attribute.String("deployment.environment", otelCfg.Environment),
	}
	for key, value := range otelCfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

func newTracerProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(otelCfg.TracesEndpoint())}
	if otelCfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := otelCfg.ExportHeaders(); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	bsp := trace.NewBatchSpanProcessor(exporter,
		trace.WithMaxQueueSize(otelCfg.Traces.MaxQueueSize),
		trace.WithMaxExportBatchSize(otelCfg.Traces.MaxExportBatchSize),
		trace.WithBatchTimeout(time.Duration(otelCfg.Traces.ScheduleDelayMillis)*time.Millisecond),
	)

	return trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(otelCfg.Traces.SamplingRatio))),
		trace.WithResource(res),
		trace.WithSpanProcessor(bsp),
	), nil
}

func newMeterProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(otelCfg.MetricsEndpoint())}
	if otelCfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if headers := otelCfg.ExportHeaders(); len(headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	reader := metric.NewPeriodicReader(exporter,
		metric.WithInterval(time.Duration(otelCfg.Metrics.IntervalMillis)*time.Millisecond),
	)

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(reader),
	), nil
}
