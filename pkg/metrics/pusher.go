package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/buffer"
	"github.com/mjasion/balena-home/pkg/types"
)

// TimeSeriesBuilder converts readings to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error)

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL             string
	Username        string
	Password        string
	PushInterval    time.Duration
	BatchSize       int
	MaxRetries      uint64
	RetryInterval   time.Duration
	RequestTimeout  time.Duration
	TimeSeriesBuild TimeSeriesBuilder
}

// Pusher drains a reading buffer into a Prometheus remote_write endpoint
type Pusher struct {
	cfg    Config
	client *http.Client
	buffer *buffer.RingBuffer[*types.Reading]
	logger *zap.Logger

	mu       sync.RWMutex
	lastPush time.Time
}

// New creates a new Prometheus pusher with an instrumented HTTP client
func New(cfg Config, buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Pusher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.TimeSeriesBuild == nil {
		cfg.TimeSeriesBuild = BuildReadingTimeSeries
	}

	return &Pusher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		buffer: buf,
		logger: logger,
	}
}

// Start pushes buffered readings every push interval until ctx is cancelled,
// then makes a final best-effort flush.
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.cfg.PushInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
			p.Flush(flushCtx)
			cancel()
			p.logger.Info("prometheus pusher stopped")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes everything currently buffered in batches. On failure the
// failed batch and all later ones go back to the buffer.
func (p *Pusher) Flush(ctx context.Context) {
	readings := p.buffer.GetAllAndClear()
	if len(readings) == 0 {
		return
	}

	for start := 0; start < len(readings); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(readings))
		if err := p.Push(ctx, readings[start:end]); err != nil {
			p.logger.Error("failed to push batch, requeueing remaining readings",
				zap.Error(err),
				zap.Int("requeued_readings", len(readings)-start),
			)
			p.buffer.Requeue(readings[start:])
			return
		}
	}
}

// Push sends readings to Prometheus, retrying with exponential backoff
func (p *Pusher) Push(ctx context.Context, readings []*types.Reading) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.total_readings", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		return nil
	}

	timeSeries, err := p.cfg.TimeSeriesBuild(ctx, readings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "builder failed")
		return fmt.Errorf("failed to build write request: %w", err)
	}
	writeReq := &prompb.WriteRequest{Timeseries: timeSeries}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, p.cfg.MaxRetries), ctx)

	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return p.pushOnce(ctx, writeReq)
	}, policy, func(err error, wait time.Duration) {
		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		return fmt.Errorf("failed to push metrics after %d attempts: %w", attempt, err)
	}

	p.mu.Lock()
	p.lastPush = time.Now()
	p.mu.Unlock()

	p.logger.Debug("pushed metrics",
		zap.Int("data_points", len(readings)),
		zap.Int("time_series", len(timeSeries)),
		zap.Int("attempt", attempt),
	)
	return nil
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPush
}

// Backlog reports how many readings wait in the buffer and how many were
// overwritten before they could be pushed
func (p *Pusher) Backlog() (size, capacity int, dropped uint64) {
	return p.buffer.Size(), p.buffer.Capacity(), p.buffer.Dropped()
}
