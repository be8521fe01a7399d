package config

import "fmt"

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"application_name" env:"PYROSCOPE_APPLICATION_NAME" env-default:"climate"`
	ServerAddress     string            `yaml:"server_address" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basic_auth_user" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basic_auth_password" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenant_id" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	// Profile types; CPU and heap are always collected
	GoroutineProfile bool `yaml:"goroutine_profile" env:"PYROSCOPE_GOROUTINE_PROFILE" env-default:"false"`
	MutexProfile     bool `yaml:"mutex_profile" env:"PYROSCOPE_MUTEX_PROFILE" env-default:"false"`
	MutexProfileRate int  `yaml:"mutex_profile_rate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application_name is required when profiling is enabled")
	}
	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server_address is required when profiling is enabled")
	}
	if cfg.MutexProfile && cfg.MutexProfileRate < 0 {
		return fmt.Errorf("profiling mutex_profile_rate must be >= 0")
	}
	return nil
}
