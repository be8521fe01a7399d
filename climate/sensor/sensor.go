package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoSample is returned by push-fed sensors that have not heard from the device yet
	ErrNoSample = errors.New("no sample received")
	// ErrStale is returned when the newest sample is older than the allowed age
	ErrStale = errors.New("latest sample is stale")
)

// Sample is one temperature and humidity measurement
type Sample struct {
	TemperatureCelsius float64
	HumidityPercent    float64
}

// Fahrenheit returns the temperature converted to degrees Fahrenheit
func (s Sample) Fahrenheit() float64 {
	return s.TemperatureCelsius*1.8 + 32
}

// Sensor is a thermo-hygrometer that can be read on demand
type Sensor interface {
	Read(ctx context.Context) (Sample, error)
}

// latest keeps the newest sample pushed by a device, for sensors that are
// fed by advertisements or messages rather than polled.
type latest struct {
	mu     sync.RWMutex
	sample Sample
	at     time.Time
	maxAge time.Duration
	now    func() time.Time
}

func newLatest(maxAge time.Duration) *latest {
	return &latest{maxAge: maxAge, now: time.Now}
}

func (l *latest) store(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sample = s
	l.at = l.now()
}

func (l *latest) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.at.IsZero() {
		return Sample{}, ErrNoSample
	}
	if age := l.now().Sub(l.at); age > l.maxAge {
		return Sample{}, fmt.Errorf("%w: received %s ago", ErrStale, age.Round(time.Second))
	}
	return l.sample, nil
}
