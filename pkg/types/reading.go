package types

import (
	"strings"
	"time"
)

// Series name prefixes for the two measurements taken from every sensor
const (
	TemperaturePrefix = "temp-"
	HumidityPrefix    = "humidity-"
)

// Kind identifies the measurement a series carries
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindUnknown     Kind = "unknown"
)

// Reading is a single stored sample of a series.
// (Series, Timestamp) is unique within the store.
type Reading struct {
	Series    string
	Timestamp int64 // unix epoch seconds
	Value     float64
}

// Time returns the reading timestamp as a UTC time
func (r *Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// TemperatureSeries returns the temperature series name for a sensor
func TemperatureSeries(sensor string) string {
	return TemperaturePrefix + sensor
}

// HumiditySeries returns the humidity series name for a sensor
func HumiditySeries(sensor string) string {
	return HumidityPrefix + sensor
}

// SplitSeries reverses TemperatureSeries and HumiditySeries.
// Names without a known prefix are returned whole with KindUnknown.
func SplitSeries(series string) (Kind, string) {
	switch {
	case strings.HasPrefix(series, TemperaturePrefix):
		return KindTemperature, strings.TrimPrefix(series, TemperaturePrefix)
	case strings.HasPrefix(series, HumidityPrefix):
		return KindHumidity, strings.TrimPrefix(series, HumidityPrefix)
	default:
		return KindUnknown, series
	}
}
