package config

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/actuator"
	pkgconfig "github.com/mjasion/balena-home/pkg/config"
)

// Sensor drivers
const (
	DriverSimulated = "simulated"
	DriverBLE       = "ble"
	DriverBME280    = "bme280"
	DriverSHT2x     = "sht2x"
	DriverMQTT      = "mqtt"
)

// GPIO drivers
const (
	GPIODriverLog   = "log"
	GPIODriverRaspi = "raspi"
)

// Store drivers
const (
	StoreDriverSQLite   = "sqlite3"
	StoreDriverPostgres = "postgres"
)

// Config holds the climate service configuration
type Config struct {
	SensorReadFreqSecs int                     `yaml:"sensor_read_freq_secs" env:"SENSOR_READ_FREQ_SECS" env-default:"60"`
	RetryReadSecs      int                     `yaml:"retry_read_secs" env:"RETRY_READ_SECS" env-default:"2"`
	Sensors            map[string]SensorConfig `yaml:"sensors"`

	HTTP         HTTPConfig         `yaml:"http"`
	Store        StoreConfig        `yaml:"store"`
	GPIO         GPIOConfig         `yaml:"gpio"`
	BLE          BLEConfig          `yaml:"ble"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Prometheus   PrometheusConfig   `yaml:"prometheus"`

	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// SensorConfig describes one sensor; its name is the key in the sensors map
type SensorConfig struct {
	Name         string         `yaml:"-"`
	Pin          int            `yaml:"pin"`
	Driver       string         `yaml:"driver"`
	MAC          string         `yaml:"mac"`
	Topic        string         `yaml:"topic"`
	I2CAddress   int            `yaml:"i2c_address"`
	BaseCelsius  float64        `yaml:"base_celsius"`
	BaseHumidity float64        `yaml:"base_humidity"`
	Actions      []ActionConfig `yaml:"actions"`

	rules []actuator.Rule
}

// ActionConfig is a threshold rule as written in the configuration file
type ActionConfig struct {
	Typ    string  `yaml:"typ"`
	Value  float64 `yaml:"value"`
	Action string  `yaml:"action"`
	Pin    int     `yaml:"pin"`
}

// HTTPConfig configures the chart server
type HTTPConfig struct {
	Port    int `yaml:"port" env:"PORT" env-default:"3000"`
	Workers int `yaml:"workers" env:"HTTP_WORKERS" env-default:"4"`
}

// StoreConfig selects the reading store backend
type StoreConfig struct {
	Driver         string `yaml:"driver" env:"STORE_DRIVER" env-default:"sqlite3"`
	DSN            string `yaml:"dsn" env:"STORE_DSN" env-default:":memory:"`
	KeepExisting   bool   `yaml:"keep_existing" env:"STORE_KEEP_EXISTING" env-default:"false"`
	SeedSampleData bool   `yaml:"seed_sample_data" env:"STORE_SEED_SAMPLE_DATA" env-default:"false"`
}

// GPIOConfig selects the pin driver
type GPIOConfig struct {
	Driver string `yaml:"driver" env:"GPIO_DRIVER" env-default:"log"`
}

// BLEConfig configures the shared BLE advertisement scanner
type BLEConfig struct {
	MaxAgeSecs int `yaml:"max_age_secs" env:"BLE_MAX_AGE_SECS" env-default:"300"`
}

// MQTTConfig configures the broker used by mqtt sensors
type MQTTConfig struct {
	Broker     string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID   string `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"climate"`
	Username   string `yaml:"username" env:"MQTT_USERNAME"`
	Password   string `yaml:"password" env:"MQTT_PASSWORD"`
	MaxAgeSecs int    `yaml:"max_age_secs" env:"MQTT_MAX_AGE_SECS" env-default:"300"`
}

// HousekeepingConfig schedules store maintenance
type HousekeepingConfig struct {
	Schedule string `yaml:"schedule" env:"HOUSEKEEPING_SCHEDULE" env-default:"@every 1h"`
}

// PrometheusConfig configures optional remote_write mirroring of readings
type PrometheusConfig struct {
	Enabled          bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	URL              string `yaml:"url" env:"PROMETHEUS_URL"`
	Username         string `yaml:"username" env:"PROMETHEUS_USERNAME"`
	Password         string `yaml:"password" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSecs int    `yaml:"push_interval_secs" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BatchSize        int    `yaml:"batch_size" env:"PROMETHEUS_BATCH_SIZE" env-default:"500"`
	BufferSize       int    `yaml:"buffer_size" env:"BUFFER_SIZE" env-default:"1000"`
}

var (
	macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
	sensorNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Load reads configuration from a YAML file with environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate normalizes the configuration, parses action rules and checks
// every value. Unknown rule tags are rejected here so the process never
// starts with rules it cannot evaluate.
func (c *Config) Validate() error {
	if c.SensorReadFreqSecs < 1 {
		return fmt.Errorf("sensor_read_freq_secs must be positive, got %d", c.SensorReadFreqSecs)
	}
	if c.RetryReadSecs < 0 {
		return fmt.Errorf("retry_read_secs must be >= 0, got %d", c.RetryReadSecs)
	}

	seenMACs := make(map[string]string)
	for name, s := range c.Sensors {
		if !sensorNameRegex.MatchString(name) {
			return fmt.Errorf("sensor %q: name may only contain letters, digits, '_', '.' and '-'", name)
		}
		s.Name = name
		s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
		if s.Driver == "" {
			s.Driver = DriverSimulated
		}

		switch s.Driver {
		case DriverSimulated:
		case DriverBLE:
			if !macAddressRegex.MatchString(s.MAC) {
				return fmt.Errorf("sensor %s: invalid MAC address format: %s (expected format: XX:XX:XX:XX:XX:XX)", name, s.MAC)
			}
			s.MAC = strings.ToUpper(s.MAC)
			if other, dup := seenMACs[s.MAC]; dup {
				return fmt.Errorf("sensor %s: MAC address %s already used by sensor %s", name, s.MAC, other)
			}
			seenMACs[s.MAC] = name
		case DriverBME280, DriverSHT2x:
			if s.Pin < 0 {
				return fmt.Errorf("sensor %s: pin (i2c bus) must be >= 0, got %d", name, s.Pin)
			}
			if s.I2CAddress < 0 || s.I2CAddress > 0x7F {
				return fmt.Errorf("sensor %s: i2c_address out of range: %#x", name, s.I2CAddress)
			}
		case DriverMQTT:
			if s.Topic == "" {
				return fmt.Errorf("sensor %s: topic is required for the mqtt driver", name)
			}
			if c.MQTT.Broker == "" {
				return fmt.Errorf("sensor %s: mqtt.broker is required for the mqtt driver", name)
			}
		default:
			return fmt.Errorf("sensor %s: unknown driver %q", name, s.Driver)
		}

		rules, err := ParseActions(s.Actions)
		if err != nil {
			return fmt.Errorf("sensor %s: %w", name, err)
		}
		s.rules = rules
		c.Sensors[name] = s
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.Workers < 1 {
		return fmt.Errorf("http.workers must be positive, got %d", c.HTTP.Workers)
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverPostgres:
	default:
		return fmt.Errorf("store.driver must be 'sqlite3' or 'postgres', got '%s'", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}

	c.GPIO.Driver = strings.ToLower(c.GPIO.Driver)
	if c.GPIO.Driver != GPIODriverLog && c.GPIO.Driver != GPIODriverRaspi {
		return fmt.Errorf("gpio.driver must be 'log' or 'raspi', got '%s'", c.GPIO.Driver)
	}

	if c.BLE.MaxAgeSecs < 1 || c.MQTT.MaxAgeSecs < 1 {
		return fmt.Errorf("ble.max_age_secs and mqtt.max_age_secs must be positive")
	}

	if strings.TrimSpace(c.Housekeeping.Schedule) == "" {
		return fmt.Errorf("housekeeping.schedule cannot be empty")
	}

	if c.Prometheus.Enabled {
		if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheus.url: %w", err)
		}
		if c.Prometheus.PushIntervalSecs < 1 {
			return fmt.Errorf("prometheus.push_interval_secs must be positive, got %d", c.Prometheus.PushIntervalSecs)
		}
		if c.Prometheus.BatchSize < 1 || c.Prometheus.BufferSize < 1 {
			return fmt.Errorf("prometheus.batch_size and prometheus.buffer_size must be positive")
		}
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}
	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// ParseActions converts configured actions to evaluator rules
func ParseActions(actions []ActionConfig) ([]actuator.Rule, error) {
	rules := make([]actuator.Rule, 0, len(actions))
	for i, a := range actions {
		cond, err := actuator.ParseCondition(a.Typ)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		effect, err := actuator.ParseEffect(a.Action)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if a.Pin < 0 {
			return nil, fmt.Errorf("action %d: pin must be >= 0, got %d", i, a.Pin)
		}
		rules = append(rules, actuator.Rule{
			Condition: cond,
			Threshold: a.Value,
			Effect:    effect,
			Pin:       a.Pin,
		})
	}
	return rules, nil
}

// Rules returns the parsed action rules, in configured order
func (s SensorConfig) Rules() []actuator.Rule {
	return s.rules
}

// SortedSensors returns the sensors ordered by name
func (c *Config) SortedSensors() []SensorConfig {
	names := make([]string, 0, len(c.Sensors))
	for name := range c.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SensorConfig, 0, len(names))
	for _, name := range names {
		out = append(out, c.Sensors[name])
	}
	return out
}

// ReadInterval is the pause between poll cycles
func (c *Config) ReadInterval() time.Duration {
	return time.Duration(c.SensorReadFreqSecs) * time.Second
}

// RetryInterval is the pause between read attempts within a cycle
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.RetryReadSecs) * time.Second
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	sensorInfo := make([]string, 0, len(c.Sensors))
	for _, s := range c.SortedSensors() {
		sensorInfo = append(sensorInfo, fmt.Sprintf("%s (driver:%s, pin:%d, actions:%d)", s.Name, s.Driver, s.Pin, len(s.rules)))
	}

	logger.Info("configuration loaded",
		zap.Int("sensor_read_freq_secs", c.SensorReadFreqSecs),
		zap.Int("retry_read_secs", c.RetryReadSecs),
		zap.Strings("sensors", sensorInfo),
		zap.Int("http_port", c.HTTP.Port),
		zap.Int("http_workers", c.HTTP.Workers),
		zap.String("store_driver", c.Store.Driver),
		zap.String("store_dsn", redactURL(c.Store.DSN)),
		zap.Bool("store_keep_existing", c.Store.KeepExisting),
		zap.Bool("store_seed_sample_data", c.Store.SeedSampleData),
		zap.String("gpio_driver", c.GPIO.Driver),
		zap.String("mqtt_broker", redactURL(c.MQTT.Broker)),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.String("housekeeping_schedule", c.Housekeeping.Schedule),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", redactURL(c.Prometheus.URL)),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" || rawURL == ":memory:" {
		return rawURL
	}
	if strings.Contains(rawURL, "password=") {
		return "***"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
