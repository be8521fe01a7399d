package config

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestValidateLogging(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggingConfig
		wantErr bool
	}{
		{name: "console info", cfg: LoggingConfig{Format: "console", Level: "info"}},
		{name: "mixed case logfmt", cfg: LoggingConfig{Format: "LogFmt", Level: "DEBUG"}},
		{name: "json warn", cfg: LoggingConfig{Format: "json", Level: "warn"}},
		{name: "unknown format", cfg: LoggingConfig{Format: "xml", Level: "info"}, wantErr: true},
		{name: "unknown level", cfg: LoggingConfig{Format: "json", Level: "trace"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLogging(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateLogging() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.cfg.Format != strings.ToLower(tt.cfg.Format) {
				t.Errorf("Expected format to be lowercased, got %s", tt.cfg.Format)
			}
		})
	}
}

func TestNewLogger_Logfmt(t *testing.T) {
	var out bytes.Buffer
	logger, err := newLogger(&LoggingConfig{Format: "logfmt", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Debug("hidden")
	logger.Info("sensor read", zap.String("sensor_name", "inside"))
	_ = logger.Sync()

	got := out.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("Expected debug entry to be filtered, got %q", got)
	}
	if !strings.Contains(got, "sensor_name=inside") {
		t.Errorf("Expected logfmt field in output, got %q", got)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var out bytes.Buffer
	logger, err := newLogger(&LoggingConfig{Format: "json", Level: "debug"}, &out)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Debug("cycle complete")
	_ = logger.Sync()

	if !strings.Contains(out.String(), `"msg":"cycle complete"`) {
		t.Errorf("Expected JSON message, got %q", out.String())
	}
}
