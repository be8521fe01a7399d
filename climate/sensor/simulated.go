package sensor

import (
	"context"
	"math/rand"
	"sync"
)

// Simulated produces a bounded random walk around base values.
// It stands in for hardware during development and on the demo image.
type Simulated struct {
	mu      sync.Mutex
	rng     *rand.Rand
	baseC   float64
	baseHum float64
	current Sample
}

// NewSimulated creates a simulated sensor. Zero bases default to 21°C and 45%.
func NewSimulated(baseCelsius, baseHumidity float64, seed int64) *Simulated {
	if baseCelsius == 0 {
		baseCelsius = 21
	}
	if baseHumidity == 0 {
		baseHumidity = 45
	}
	return &Simulated{
		rng:     rand.New(rand.NewSource(seed)),
		baseC:   baseCelsius,
		baseHum: baseHumidity,
		current: Sample{TemperatureCelsius: baseCelsius, HumidityPercent: baseHumidity},
	}
}

// Read advances the walk by one step
func (s *Simulated) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.TemperatureCelsius = walk(s.rng, s.current.TemperatureCelsius, 0.5, s.baseC-10, s.baseC+10)
	s.current.HumidityPercent = walk(s.rng, s.current.HumidityPercent, 2, max(s.baseHum-30, 0), min(s.baseHum+30, 100))
	return s.current, nil
}

func walk(rng *rand.Rand, v, step, lo, hi float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	return min(max(v, lo), hi)
}
