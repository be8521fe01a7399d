package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/actuator"
	"github.com/mjasion/balena-home/climate/sensor"
	"github.com/mjasion/balena-home/pkg/buffer"
	"github.com/mjasion/balena-home/pkg/telemetry"
	"github.com/mjasion/balena-home/pkg/types"
)

// DefaultMaxRetries is how many times a failed read is retried within one cycle
const DefaultMaxRetries = 10

// Recorder persists readings
type Recorder interface {
	AppendBatch(ctx context.Context, readings []types.Reading) error
}

// Evaluator applies a sensor's threshold rules to a reading
type Evaluator interface {
	Evaluate(ctx context.Context, sensor string, value float64, rules []actuator.Rule) (actuator.Outcome, error)
}

// Source is one configured sensor together with its rules
type Source struct {
	Name   string
	Sensor sensor.Sensor
	Rules  []actuator.Rule
}

// Config contains the poller cadence
type Config struct {
	Interval   time.Duration
	RetryDelay time.Duration
	MaxRetries uint64
}

// Status is the outcome of one sensor within a cycle
type Status string

const (
	StatusRecorded     Status = "recorded"
	StatusDiscarded    Status = "discarded"
	StatusSkipped      Status = "skipped"
	StatusRecordFailed Status = "record_failed"
)

// Result describes what happened to one sensor in a cycle
type Result struct {
	Sensor       string
	Status       Status
	Attempts     int
	TemperatureF float64
	Humidity     float64
	Actions      []actuator.Action
	Err          error
}

// CycleReport summarizes one pass over all sensors
type CycleReport struct {
	Timestamp int64
	Results   []Result
}

// Poller reads every sensor once per interval, records the converted
// readings and runs the threshold rules. It is the only store writer.
type Poller struct {
	cfg       Config
	sources   []Source
	recorder  Recorder
	evaluator Evaluator
	sink      *buffer.RingBuffer[*types.Reading]
	logger    *zap.Logger
	now       func() time.Time

	tracer   trace.Tracer
	readings metric.Int64Counter
	skipped  metric.Int64Counter

	mu        sync.RWMutex
	warmedUp  bool
	lastCycle time.Time
}

// New creates a poller. sink may be nil when readings are not exported.
func New(cfg Config, sources []Source, recorder Recorder, evaluator Evaluator, sink *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Poller {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	meter := otel.Meter("climate/poller")
	readings, _ := meter.Int64Counter("climate.poller.readings",
		metric.WithDescription("Sensor readings by outcome"))
	skipped, _ := meter.Int64Counter("climate.poller.skipped_sensors",
		metric.WithDescription("Sensors skipped after exhausting read retries"))

	return &Poller{
		cfg:       cfg,
		sources:   sources,
		recorder:  recorder,
		evaluator: evaluator,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer("climate/poller"),
		readings:  readings,
		skipped:   skipped,
	}
}

// Run polls until ctx is cancelled or a rule turns out to be invalid.
// The first cycle starts immediately and each later one starts a full
// Interval after the previous cycle finished.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting sensor poller",
		zap.Int("sensor_count", len(p.sources)),
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("retry_delay", p.cfg.RetryDelay),
	)

	wait := time.NewTimer(p.cfg.Interval)
	defer wait.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil {
			var cfgErr *actuator.ConfigError
			if errors.As(err, &cfgErr) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("poll cycle failed", zap.Error(err))
		}

		// A slow cycle does not eat into the pause before the next one.
		wait.Reset(p.cfg.Interval)
		select {
		case <-ctx.Done():
			p.logger.Info("stopping sensor poller")
			return nil
		case <-wait.C:
		}
	}
}

// RunCycle performs exactly one cycle. It returns an error only for
// cancellation and for invalid rules; sensor and store failures are
// reported per sensor.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	start := p.now()
	report := CycleReport{Timestamp: start.Unix()}

	ctx, span := p.tracer.Start(ctx, "poller.RunCycle",
		trace.WithAttributes(attribute.Int64("poller.timestamp", report.Timestamp)))
	defer span.End()

	p.mu.RLock()
	discard := !p.warmedUp
	p.mu.RUnlock()

	anyRead := false
	for _, src := range p.sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res := p.poll(ctx, src, report.Timestamp, discard)
		report.Results = append(report.Results, res)
		if res.Status != StatusSkipped {
			anyRead = true
		}

		var cfgErr *actuator.ConfigError
		if errors.As(res.Err, &cfgErr) {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "invalid action rule")
			return report, res.Err
		}
	}

	p.mu.Lock()
	if discard && anyRead {
		p.warmedUp = true
	}
	p.lastCycle = p.now()
	p.mu.Unlock()

	return report, nil
}

func (p *Poller) poll(ctx context.Context, src Source, ts int64, discard bool) Result {
	res := Result{Sensor: src.Name}

	sample, attempts, err := p.read(ctx, src)
	res.Attempts = attempts
	if err != nil {
		res.Status = StatusSkipped
		res.Err = err
		p.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("sensor_name", src.Name)))
		telemetry.WarnWithTrace(ctx, p.logger, "skipping sensor for this cycle",
			zap.String("sensor_name", src.Name),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return res
	}

	res.TemperatureF = sample.Fahrenheit()
	res.Humidity = sample.HumidityPercent

	if discard {
		res.Status = StatusDiscarded
		telemetry.InfoWithTrace(ctx, p.logger, "discarding first reading after start",
			zap.String("sensor_name", src.Name),
			zap.Float64("temperature_fahrenheit", res.TemperatureF),
			zap.Float64("humidity_percent", res.Humidity),
		)
	} else {
		p.record(ctx, src.Name, ts, &res)
	}
	p.countReadings(ctx, src.Name, res.Status)

	outcome, err := p.evaluator.Evaluate(ctx, src.Name, res.TemperatureF, src.Rules)
	if err != nil {
		res.Err = fmt.Errorf("failed to evaluate rules for %s: %w", src.Name, err)
		return res
	}
	res.Actions = outcome.Actions
	return res
}

// record stores the reading pair and forwards it to the export sink
func (p *Poller) record(ctx context.Context, name string, ts int64, res *Result) {
	readings := []types.Reading{
		{Series: types.TemperatureSeries(name), Timestamp: ts, Value: res.TemperatureF},
		{Series: types.HumiditySeries(name), Timestamp: ts, Value: res.Humidity},
	}
	if err := p.recorder.AppendBatch(ctx, readings); err != nil {
		res.Status = StatusRecordFailed
		res.Err = err
		telemetry.ErrorWithTrace(ctx, p.logger, "failed to record reading",
			zap.String("sensor_name", name),
			zap.Int64("timestamp", ts),
			zap.Error(err),
		)
		return
	}

	res.Status = StatusRecorded
	if p.sink != nil {
		for i := range readings {
			p.sink.Add(&readings[i])
		}
	}
	telemetry.DebugWithTrace(ctx, p.logger, "reading recorded",
		zap.String("sensor_name", name),
		zap.Int64("timestamp", ts),
		zap.Float64("temperature_fahrenheit", res.TemperatureF),
		zap.Float64("humidity_percent", res.Humidity),
	)
}

func (p *Poller) countReadings(ctx context.Context, name string, status Status) {
	p.readings.Add(ctx, 2, metric.WithAttributes(
		attribute.String("sensor_name", name),
		attribute.String("outcome", string(status)),
	))
}

// read tries the sensor once and then up to MaxRetries more times with a
// constant delay between attempts.
func (p *Poller) read(ctx context.Context, src Source) (sensor.Sample, int, error) {
	var (
		sample   sensor.Sample
		attempts int
	)

	op := func() error {
		attempts++
		s, err := src.Sensor.Read(ctx)
		if err != nil {
			return err
		}
		sample = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug("sensor read failed, retrying",
			zap.String("sensor_name", src.Name),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryDelay), p.cfg.MaxRetries),
		ctx,
	)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return sensor.Sample{}, attempts, fmt.Errorf("failed to read sensor %s after %d attempts: %w", src.Name, attempts, err)
	}
	return sample, attempts, nil
}

// LastCycle returns when the last cycle completed, zero before the first one
func (p *Poller) LastCycle() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCycle
}

// Interval returns the pause between cycles
func (p *Poller) Interval() time.Duration {
	return p.cfg.Interval
}
