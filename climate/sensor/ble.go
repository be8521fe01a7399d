package sensor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// UUID 0x181A is used by ATC_MiThermometer firmware
var atcServiceUUID = bluetooth.New16BitUUID(0x181A)

// BLEScanner listens for ATC_MiThermometer advertisements on one adapter
// and keeps the newest sample per MAC for the BLE sensors registered on it.
type BLEScanner struct {
	adapter *bluetooth.Adapter
	maxAge  time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	sensors map[string]*latest
}

// NewBLEScanner creates a scanner on the default adapter
func NewBLEScanner(maxAge time.Duration, logger *zap.Logger) *BLEScanner {
	return &BLEScanner{
		adapter: bluetooth.DefaultAdapter,
		maxAge:  maxAge,
		logger:  logger,
		sensors: make(map[string]*latest),
	}
}

// Sensor registers mac and returns a Sensor serving its latest advertisement
func (s *BLEScanner) Sensor(mac string) Sensor {
	mac = strings.ToUpper(mac)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.sensors[mac]; ok {
		return l
	}
	l := newLatest(s.maxAge)
	s.sensors[mac] = l
	return l
}

// Start enables the adapter and scans until ctx is cancelled. It blocks.
func (s *BLEScanner) Start(ctx context.Context) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := s.adapter.StopScan(); err != nil {
			s.logger.Warn("failed to stop BLE scan", zap.Error(err))
		}
	}()

	s.mu.RLock()
	count := len(s.sensors)
	s.mu.RUnlock()

	s.logger.Info("starting BLE scan", zap.Int("sensor_count", count))
	err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		s.handle(strings.ToUpper(result.Address.String()), result.RSSI, result.ServiceData())
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to start BLE scan: %w", err)
	}
	return nil
}

func (s *BLEScanner) handle(mac string, rssi int16, serviceData []bluetooth.ServiceDataElement) {
	s.mu.RLock()
	l, ok := s.sensors[mac]
	s.mu.RUnlock()
	if !ok {
		return
	}

	for _, sd := range serviceData {
		if sd.UUID != atcServiceUUID {
			continue
		}
		adv, err := DecodeATCAdvertisement(sd.Data)
		if err != nil {
			s.logger.Warn("failed to decode ATC advertisement", zap.String("mac", mac), zap.Error(err))
			continue
		}
		l.store(adv.Sample())

		s.logger.Debug("ble advertisement",
			zap.String("mac", mac),
			zap.Float64("temperature_celsius", adv.TemperatureCelsius),
			zap.Int("humidity_percent", adv.HumidityPercent),
			zap.Int("battery_percent", adv.BatteryPercent),
			zap.Int16("rssi_dbm", rssi),
		)
	}
}
