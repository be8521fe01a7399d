package sensor

import (
	"fmt"
	"hash/fnv"
	"time"

	"gobot.io/x/gobot/v2/drivers/i2c"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/config"
)

// Factory builds sensors from configuration. BLE and MQTT sensors share one
// scanner and one broker connection, created on first use.
type Factory struct {
	BLEMaxAge time.Duration
	MQTT      MQTTOptions
	// Board returns the I2C connector; it is only called for I2C sensors
	Board  func() (i2c.Connector, error)
	Logger *zap.Logger

	ble *BLEScanner
	hub *MQTTHub
}

// New builds the sensor described by cfg
func (f *Factory) New(cfg config.SensorConfig) (Sensor, error) {
	switch cfg.Driver {
	case config.DriverSimulated, "":
		return NewSimulated(cfg.BaseCelsius, cfg.BaseHumidity, seedFor(cfg.Name)), nil

	case config.DriverBLE:
		if f.ble == nil {
			f.ble = NewBLEScanner(f.BLEMaxAge, f.Logger.Named("ble"))
		}
		return f.ble.Sensor(cfg.MAC), nil

	case config.DriverMQTT:
		if f.hub == nil {
			f.hub = NewMQTTHub(f.MQTT, f.Logger.Named("mqtt"))
		}
		return f.hub.Sensor(cfg.Topic), nil

	case config.DriverBME280, config.DriverSHT2x:
		if f.Board == nil {
			return nil, fmt.Errorf("sensor %s: no I2C board available", cfg.Name)
		}
		conn, err := f.Board()
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", cfg.Name, err)
		}
		if cfg.Driver == config.DriverBME280 {
			return NewBME280(conn, cfg.Pin, cfg.I2CAddress), nil
		}
		return NewSHT2x(conn, cfg.Pin, cfg.I2CAddress), nil
	}

	return nil, fmt.Errorf("sensor %s: unknown driver %q", cfg.Name, cfg.Driver)
}

// BLEScanner returns the shared scanner, or nil when no BLE sensor was built
func (f *Factory) BLEScanner() *BLEScanner {
	return f.ble
}

// MQTTHub returns the shared broker connection, or nil when no MQTT sensor was built
func (f *Factory) MQTTHub() *MQTTHub {
	return f.hub
}

func seedFor(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return time.Now().UnixNano() ^ int64(h.Sum64())
}
