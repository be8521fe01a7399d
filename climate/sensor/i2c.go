package sensor

import (
	"context"
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2/drivers/i2c"
)

// thermoHygrometer is satisfied by gobot's BME280 and SHT2x drivers
type thermoHygrometer interface {
	Start() error
	Temperature() (float32, error)
	Humidity() (float32, error)
}

// I2C reads a thermo-hygrometer on an I2C bus through gobot
type I2C struct {
	mu      sync.Mutex
	dev     thermoHygrometer
	started bool
}

func i2cOptions(bus, address int) []func(i2c.Config) {
	opts := []func(i2c.Config){i2c.WithBus(bus)}
	if address != 0 {
		opts = append(opts, i2c.WithAddress(address))
	}
	return opts
}

// NewBME280 creates a Bosch BME280 sensor. address 0 keeps the driver default.
func NewBME280(conn i2c.Connector, bus, address int) *I2C {
	return &I2C{dev: i2c.NewBME280Driver(conn, i2cOptions(bus, address)...)}
}

// NewSHT2x creates a Sensirion SHT2x sensor. address 0 keeps the driver default.
func NewSHT2x(conn i2c.Connector, bus, address int) *I2C {
	return &I2C{dev: i2c.NewSHT2xDriver(conn, i2cOptions(bus, address)...)}
}

// Read starts the driver on first use and then reads both measurements
func (s *I2C) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		if err := s.dev.Start(); err != nil {
			return Sample{}, fmt.Errorf("failed to start i2c sensor: %w", err)
		}
		s.started = true
	}

	temp, err := s.dev.Temperature()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read temperature: %w", err)
	}
	hum, err := s.dev.Humidity()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read humidity: %w", err)
	}

	return Sample{TemperatureCelsius: float64(temp), HumidityPercent: float64(hum)}, nil
}
