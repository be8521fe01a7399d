package profiling

import (
	"testing"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/pkg/config"
)

func TestStart_Disabled(t *testing.T) {
	p, err := Start(&config.ProfilingConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p != nil {
		t.Error("Expected nil profiler when disabled")
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Expected Stop on nil profiler to be a no-op, got %v", err)
	}
}

func TestProfileTypes(t *testing.T) {
	base := ProfileTypes(&config.ProfilingConfig{})
	if len(base) != 5 {
		t.Errorf("Expected 5 default profile types, got %d", len(base))
	}

	withMutex := ProfileTypes(&config.ProfilingConfig{MutexProfile: true})
	if withMutex[len(withMutex)-1] != pyroscope.ProfileMutexDuration {
		t.Errorf("Expected mutex duration profile, got %v", withMutex[len(withMutex)-1])
	}
}
