package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/actuator"
	"github.com/mjasion/balena-home/climate/gpio"
	"github.com/mjasion/balena-home/climate/sensor"
	"github.com/mjasion/balena-home/climate/store"
	"github.com/mjasion/balena-home/pkg/buffer"
	"github.com/mjasion/balena-home/pkg/types"
)

// scriptedSensor fails the first failures reads and then returns sample
type scriptedSensor struct {
	mu       sync.Mutex
	sample   sensor.Sample
	failures int
	reads    int
}

func (s *scriptedSensor) Read(ctx context.Context) (sensor.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.reads <= s.failures {
		return sensor.Sample{}, errors.New("checksum mismatch")
	}
	return s.sample, nil
}

type memoryRecorder struct {
	mu       sync.Mutex
	readings []types.Reading
	err      error
}

func (m *memoryRecorder) AppendBatch(_ context.Context, readings []types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.readings = append(m.readings, readings...)
	return nil
}

type countingEvaluator struct {
	calls  int
	values []float64
}

func (c *countingEvaluator) Evaluate(_ context.Context, _ string, value float64, _ []actuator.Rule) (actuator.Outcome, error) {
	c.calls++
	c.values = append(c.values, value)
	return actuator.Outcome{}, nil
}

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestRunCycle_DiscardsFirstReading(t *testing.T) {
	inside := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 20, HumidityPercent: 40}}
	outside := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 5, HumidityPercent: 80}}
	rec := &memoryRecorder{}
	eval := &countingEvaluator{}

	p := New(Config{Interval: time.Minute}, []Source{
		{Name: "inside", Sensor: inside},
		{Name: "outside", Sensor: outside},
	}, rec, eval, nil, zap.NewNop())
	p.now = fixedClock(1000)

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	for _, res := range report.Results {
		if res.Status != StatusDiscarded {
			t.Errorf("Expected %s discarded on first cycle, got %s", res.Sensor, res.Status)
		}
	}
	if len(rec.readings) != 0 {
		t.Errorf("Expected no readings after first cycle, got %d", len(rec.readings))
	}
	if eval.calls != 2 || eval.values[0] != 68 || eval.values[1] != 41 {
		t.Errorf("Expected discarded readings to be evaluated at 68°F and 41°F, got %d calls %v", eval.calls, eval.values)
	}

	p.now = fixedClock(1060)
	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(rec.readings) != 4 {
		t.Fatalf("Expected 4 readings after second cycle, got %d", len(rec.readings))
	}
	if eval.calls != 4 {
		t.Errorf("Expected 4 evaluations over two cycles, got %d", eval.calls)
	}

	want := []types.Reading{
		{Series: "temp-inside", Timestamp: 1060, Value: 68},
		{Series: "humidity-inside", Timestamp: 1060, Value: 40},
		{Series: "temp-outside", Timestamp: 1060, Value: 41},
		{Series: "humidity-outside", Timestamp: 1060, Value: 80},
	}
	for i, w := range want {
		got := rec.readings[i]
		if got.Series != w.Series || got.Timestamp != w.Timestamp || math.Abs(got.Value-w.Value) > 1e-9 {
			t.Errorf("reading[%d] = %+v, want %+v", i, got, w)
		}
	}
}

func TestRunCycle_DiscardedReadingDrivesPins(t *testing.T) {
	pins := gpio.NewLogDriver(zap.NewNop())
	eval := actuator.NewEvaluator(pins, zap.NewNop())
	sink := buffer.New[*types.Reading](10, zap.NewNop())
	rec := &memoryRecorder{}

	s := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 0, HumidityPercent: 60}} // 32°F
	rules := []actuator.Rule{{Condition: actuator.ConditionBelow, Threshold: 50, Effect: actuator.EffectEnable, Pin: 17}}

	p := New(Config{Interval: time.Minute}, []Source{{Name: "greenhouse", Sensor: s, Rules: rules}}, rec, eval, sink, zap.NewNop())

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	res := report.Results[0]
	if res.Status != StatusDiscarded {
		t.Fatalf("Expected discarded, got %s", res.Status)
	}
	if len(res.Actions) != 1 {
		t.Errorf("Expected 1 action on the first cycle, got %d", len(res.Actions))
	}
	if got := pins.Levels()[17]; got != gpio.High {
		t.Errorf("Expected pin 17 high, got %s", got)
	}
	if len(rec.readings) != 0 || sink.Size() != 0 {
		t.Errorf("Expected nothing stored or exported, got %d stored and %d buffered", len(rec.readings), sink.Size())
	}
}

func TestRunCycle_DiscardIsOncePerProcess(t *testing.T) {
	// The first sensor only comes online in the second cycle; the
	// warm-up discard has already been spent by then.
	early := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 10}}
	late := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 10}, failures: 11}
	rec := &memoryRecorder{}

	p := New(Config{Interval: time.Minute}, []Source{
		{Name: "early", Sensor: early},
		{Name: "late", Sensor: late},
	}, rec, &countingEvaluator{}, nil, zap.NewNop())
	p.now = fixedClock(100)

	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	p.now = fixedClock(200)
	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	for _, res := range report.Results {
		if res.Status != StatusRecorded {
			t.Errorf("Expected %s recorded on second cycle, got %s", res.Sensor, res.Status)
		}
	}
}

func TestRunCycle_SkipsAfterRetryBudget(t *testing.T) {
	broken := &scriptedSensor{failures: 11}
	rec := &memoryRecorder{}

	p := New(Config{Interval: time.Minute}, []Source{{Name: "broken", Sensor: broken}}, rec, &countingEvaluator{}, nil, zap.NewNop())
	p.warmedUp = true

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected no cycle error, got %v", err)
	}
	res := report.Results[0]
	if res.Status != StatusSkipped {
		t.Errorf("Expected skipped, got %s", res.Status)
	}
	if res.Attempts != 11 {
		t.Errorf("Expected 11 attempts, got %d", res.Attempts)
	}
	if len(rec.readings) != 0 {
		t.Errorf("Expected no readings, got %d", len(rec.readings))
	}
	if p.LastCycle().IsZero() {
		t.Error("Expected last cycle time to be set")
	}
}

func TestRunCycle_RecoversWithinRetryBudget(t *testing.T) {
	flaky := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 0, HumidityPercent: 50}, failures: 10}
	rec := &memoryRecorder{}

	p := New(Config{Interval: time.Minute}, []Source{{Name: "flaky", Sensor: flaky}}, rec, &countingEvaluator{}, nil, zap.NewNop())
	p.warmedUp = true

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if report.Results[0].Status != StatusRecorded || report.Results[0].Attempts != 11 {
		t.Errorf("Expected recorded after 11 attempts, got %s after %d", report.Results[0].Status, report.Results[0].Attempts)
	}
	if rec.readings[0].Value != 32 {
		t.Errorf("Expected 32°F, got %v", rec.readings[0].Value)
	}
}

func TestRunCycle_RecordFailureStillEvaluates(t *testing.T) {
	s := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 30}}
	rec := &memoryRecorder{err: store.ErrDuplicateKey}
	eval := &countingEvaluator{}

	p := New(Config{Interval: time.Minute}, []Source{
		{Name: "a", Sensor: s},
		{Name: "b", Sensor: s},
	}, rec, eval, nil, zap.NewNop())
	p.warmedUp = true

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Expected store failure not to fail the cycle, got %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("Expected both sensors polled, got %d", len(report.Results))
	}
	for _, res := range report.Results {
		if res.Status != StatusRecordFailed || !errors.Is(res.Err, store.ErrDuplicateKey) {
			t.Errorf("Expected record failure with duplicate key, got %s / %v", res.Status, res.Err)
		}
	}
	if eval.calls != 2 || eval.values[0] != 86 {
		t.Errorf("Expected 2 evaluations at 86°F, got %d %v", eval.calls, eval.values)
	}
}

func TestRunCycle_DrivesPinsAndExports(t *testing.T) {
	pins := gpio.NewLogDriver(zap.NewNop())
	eval := actuator.NewEvaluator(pins, zap.NewNop())
	sink := buffer.New[*types.Reading](10, zap.NewNop())

	s := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 15, HumidityPercent: 55}} // 59°F
	rules := []actuator.Rule{
		{Condition: actuator.ConditionBelow, Threshold: 60, Effect: actuator.EffectEnable, Pin: 17},
		{Condition: actuator.ConditionAbove, Threshold: 59, Effect: actuator.EffectEnable, Pin: 18},
	}

	p := New(Config{Interval: time.Minute}, []Source{{Name: "inside", Sensor: s, Rules: rules}}, &memoryRecorder{}, eval, sink, zap.NewNop())
	p.warmedUp = true

	report, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(report.Results[0].Actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(report.Results[0].Actions))
	}
	levels := pins.Levels()
	if levels[17] != gpio.High {
		t.Errorf("Expected pin 17 high, got %s", levels[17])
	}
	if _, ok := levels[18]; ok {
		t.Error("Expected pin 18 untouched at exactly the threshold")
	}

	exported := sink.GetAllAndClear()
	if len(exported) != 2 || exported[0].Series != "temp-inside" || exported[1].Series != "humidity-inside" {
		t.Errorf("Unexpected exported readings %v", exported)
	}
}

func TestRunCycle_ConfigErrorIsFatal(t *testing.T) {
	pins := gpio.NewLogDriver(zap.NewNop())
	eval := actuator.NewEvaluator(pins, zap.NewNop())
	s := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 15}}

	p := New(Config{Interval: time.Minute}, []Source{
		{Name: "bad", Sensor: s, Rules: []actuator.Rule{{Condition: actuator.Condition(99), Effect: actuator.EffectEnable, Pin: 4}}},
		{Name: "never", Sensor: s},
	}, &memoryRecorder{}, eval, nil, zap.NewNop())
	p.warmedUp = true

	report, err := p.RunCycle(context.Background())
	var cfgErr *actuator.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected *actuator.ConfigError, got %v", err)
	}
	if cfgErr.Sensor != "bad" {
		t.Errorf("Expected sensor bad, got %s", cfgErr.Sensor)
	}
	if len(report.Results) != 1 {
		t.Errorf("Expected the cycle to stop at the invalid rule, got %d results", len(report.Results))
	}
	if len(pins.Levels()) != 0 {
		t.Error("Expected no pin to be driven")
	}

	if err := p.Run(context.Background()); !errors.As(err, &cfgErr) {
		t.Errorf("Expected Run to return the config error, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 15}}
	p := New(Config{Interval: 10 * time.Millisecond}, []Source{{Name: "inside", Sensor: s}}, &memoryRecorder{}, &countingEvaluator{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if p.LastCycle().IsZero() {
		t.Error("Expected at least one completed cycle")
	}
}

// slowSensor takes delay per read and records when each read started
type slowSensor struct {
	mu     sync.Mutex
	delay  time.Duration
	starts []time.Time
	ends   []time.Time
}

func (s *slowSensor) Read(ctx context.Context) (sensor.Sample, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.ends = append(s.ends, time.Now())
	s.mu.Unlock()
	return sensor.Sample{TemperatureCelsius: 20}, nil
}

func TestRun_WaitsFullIntervalAfterSlowCycle(t *testing.T) {
	interval := 100 * time.Millisecond
	s := &slowSensor{delay: 150 * time.Millisecond}
	p := New(Config{Interval: interval}, []Source{{Name: "slow", Sensor: s}}, &memoryRecorder{}, &countingEvaluator{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(700 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.starts) < 2 {
		t.Fatalf("Expected at least 2 cycles, got %d", len(s.starts))
	}
	for i := 1; i < len(s.starts) && i <= len(s.ends); i++ {
		if gap := s.starts[i].Sub(s.ends[i-1]); gap < interval {
			t.Errorf("Expected at least %s between cycle %d and %d, got %s", interval, i-1, i, gap)
		}
	}
}

func TestPoller_WithStore(t *testing.T) {
	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite3", DSN: ":memory:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer st.Close()

	s := &scriptedSensor{sample: sensor.Sample{TemperatureCelsius: 25, HumidityPercent: 33}}
	p := New(Config{Interval: time.Minute}, []Source{{Name: "inside", Sensor: s}}, st, &countingEvaluator{}, nil, zap.NewNop())

	for i, sec := range []int64{10, 20, 20} {
		p.now = fixedClock(sec)
		report, err := p.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: RunCycle() error = %v", i, err)
		}
		if i == 2 && report.Results[0].Status != StatusRecordFailed {
			t.Errorf("Expected duplicate timestamp to fail recording, got %s", report.Results[0].Status)
		}
	}

	got, err := st.QueryRange(context.Background(), "temp-inside")
	if err != nil {
		t.Fatalf("QueryRange() error = %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != 20 || got[0].Value != 77 {
		t.Errorf("Expected one reading of 77°F at 20, got %+v", got)
	}
}
