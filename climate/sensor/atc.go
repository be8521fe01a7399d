package sensor

import (
	"encoding/binary"
	"fmt"
)

// Advertisement is a decoded ATC_MiThermometer service data payload
type Advertisement struct {
	MAC                string
	TemperatureCelsius float64
	HumidityPercent    int
	BatteryPercent     int
	BatteryVoltageMV   int
	FrameCounter       int
}

// Sample returns the measurement part of the advertisement
func (a *Advertisement) Sample() Sample {
	return Sample{TemperatureCelsius: a.TemperatureCelsius, HumidityPercent: float64(a.HumidityPercent)}
}

// DecodeATCAdvertisement decodes the ATC_MiThermometer custom advertisement.
// Layout (13 bytes):
//   - 0-5: MAC address, big endian
//   - 6-7: temperature in 0.1°C, little endian int16
//   - 8: humidity %
//   - 9: battery %
//   - 10-11: battery mV, little endian uint16
//   - 12: frame counter
func DecodeATCAdvertisement(data []byte) (*Advertisement, error) {
	if len(data) < 13 {
		return nil, fmt.Errorf("invalid ATC advertisement length: expected at least 13 bytes, got %d", len(data))
	}

	return &Advertisement{
		MAC: fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
			data[0], data[1], data[2], data[3], data[4], data[5]),
		TemperatureCelsius: float64(int16(binary.LittleEndian.Uint16(data[6:8]))) / 10.0,
		HumidityPercent:    int(data[8]),
		BatteryPercent:     int(data[9]),
		BatteryVoltageMV:   int(binary.LittleEndian.Uint16(data[10:12])),
		FrameCounter:       int(data[12]),
	}, nil
}
