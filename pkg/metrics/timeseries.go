package metrics

import (
	"context"
	"sort"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mjasion/balena-home/pkg/types"
)

// Metric names written for stored readings
const (
	TemperatureMetric = "climate_temperature_fahrenheit"
	HumidityMetric    = "climate_humidity_percent"
	ReadingMetric     = "climate_reading"
)

// MetricName maps a series kind to its remote_write metric name
func MetricName(kind types.Kind) string {
	switch kind {
	case types.KindTemperature:
		return TemperatureMetric
	case types.KindHumidity:
		return HumidityMetric
	default:
		return ReadingMetric
	}
}

// BuildReadingTimeSeries groups readings by series and emits one time series
// per series, labelled with the sensor name and the full series name.
// Output is sorted by series name; labels are sorted as remote_write requires.
func BuildReadingTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildReadingTimeSeries")
	defer span.End()

	grouped := make(map[string][]prompb.Sample)
	for _, r := range readings {
		if r == nil {
			continue
		}
		grouped[r.Series] = append(grouped[r.Series], prompb.Sample{
			Value:     r.Value,
			Timestamp: r.Timestamp * 1000,
		})
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	timeSeries := make([]prompb.TimeSeries, 0, len(names))
	for _, series := range names {
		kind, sensor := types.SplitSeries(series)
		samples := grouped[series]
		sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })

		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: MetricName(kind)},
				{Name: "sensor_name", Value: sensor},
				{Name: "series", Value: series},
			},
			Samples: samples,
		})
	}

	span.SetAttributes(attribute.Int("metrics.time_series_count", len(timeSeries)))
	return timeSeries, nil
}
