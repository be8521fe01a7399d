package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/mjasion/balena-home/pkg/types"
)

// SampleInterval is the spacing of seeded sample readings
const SampleInterval = 5 * time.Minute

// SeedSampleData writes points readings per demo series, one every
// SampleInterval going back from now, as a bounded random walk.
func SeedSampleData(ctx context.Context, s *Store, now time.Time, rng *rand.Rand, points int) error {
	inside := uniform(rng, 30, 70)
	outside := uniform(rng, 10, 90)

	batch := make([]types.Reading, 0, 2*points)
	for i := 0; i < points; i++ {
		inside = randomWalk(rng, inside, 2, 30, 70)
		outside = randomWalk(rng, outside, 4, 10, 90)
		ts := now.Add(-time.Duration(i) * SampleInterval).Unix()
		batch = append(batch,
			types.Reading{Series: types.TemperatureSeries("inside"), Timestamp: ts, Value: inside},
			types.Reading{Series: types.TemperatureSeries("outside"), Timestamp: ts, Value: outside},
		)
	}

	if err := s.AppendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to seed sample data: %w", err)
	}
	return nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// randomWalk moves f by up to ±step and clamps it to [lo, hi]
func randomWalk(rng *rand.Rand, f, step, lo, hi float64) float64 {
	f += uniform(rng, -step, step)
	return min(max(f, lo), hi)
}
