package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthStatus is the body of /health
type HealthStatus struct {
	Status      string        `json:"status"`
	Series      int64         `json:"series"`
	Readings    int64         `json:"readings"`
	SeriesNames []string      `json:"seriesNames"`
	LastCycle   time.Time     `json:"lastCycle"`
	Export      *ExportHealth `json:"export,omitempty"`
}

// ExportHealth describes the remote_write backlog
type ExportHealth struct {
	LastPush time.Time `json:"lastPush"`
	Buffered int       `json:"buffered"`
	Capacity int       `json:"capacity"`
	Dropped  uint64    `json:"dropped"`
}

// handleHealth reports unhealthy once the poller has not completed a
// cycle for more than three intervals
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "healthy", LastCycle: s.cycles.LastCycle()}
	code := http.StatusOK

	stats, err := s.stats.Stats(r.Context())
	if err == nil {
		status.Series = stats.Series
		status.Readings = stats.Readings
		status.SeriesNames, err = s.stats.Series(r.Context())
	}
	if err != nil {
		s.logger.Warn("failed to read store stats", zap.Error(err))
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if status.SeriesNames == nil {
		status.SeriesNames = []string{}
	}

	if s.export != nil {
		size, capacity, dropped := s.export.Backlog()
		status.Export = &ExportHealth{
			LastPush: s.export.LastPushTime(),
			Buffered: size,
			Capacity: capacity,
			Dropped:  dropped,
		}
	}

	switch {
	case status.LastCycle.IsZero():
		if code == http.StatusOK {
			status.Status = "starting"
		}
	case time.Since(status.LastCycle) > 3*s.cycles.Interval():
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
