package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mjasion/balena-home/climate/chart"
	"github.com/mjasion/balena-home/climate/store"
	"github.com/mjasion/balena-home/pkg/telemetry"
	"github.com/mjasion/balena-home/pkg/types"
)

//go:embed static/index.html
var static embed.FS

// Renderer draws charts
type Renderer interface {
	Render(ctx context.Context, req chart.Request) (*chart.Image, error)
}

// StatsSource reports store contents
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
	Series(ctx context.Context) ([]string, error)
}

// ExportStatus reports the remote_write exporter's backlog
type ExportStatus interface {
	LastPushTime() time.Time
	Backlog() (size, capacity int, dropped uint64)
}

// CycleClock reports when the poller last completed a cycle
type CycleClock interface {
	LastCycle() time.Time
	Interval() time.Duration
}

// Options configures the HTTP server
type Options struct {
	Port    int
	Workers int
	// Sensors are listed on the index page
	Sensors []string
	// Export is reported on /health when set
	Export ExportStatus
}

// Server serves the index page, charts and the health endpoint
type Server struct {
	renderer Renderer
	stats    StatsSource
	cycles   CycleClock
	export   ExportStatus
	logger   *zap.Logger
	index    []byte
	workers  *semaphore.Weighted
	srv      *http.Server
}

// New creates the server and renders the index page
func New(opts Options, renderer Renderer, stats StatsSource, cycles CycleClock, logger *zap.Logger) (*Server, error) {
	if opts.Workers < 1 {
		opts.Workers = 4
	}

	index, err := renderIndex(opts.Sensors)
	if err != nil {
		return nil, err
	}

	s := &Server{
		renderer: renderer,
		stats:    stats,
		cycles:   cycles,
		export:   opts.Export,
		logger:   logger,
		index:    index,
		workers:  semaphore.NewWeighted(int64(opts.Workers)),
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with its middleware chain
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/render", s.handleRender).Methods(http.MethodGet)
	r.HandleFunc("/render/{name}", s.handleRender).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(handleNotFound)

	var h http.Handler = r
	h = s.limit(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = gziphandler.GzipHandler(h)
	return otelhttp.NewHandler(h, "climate.http")
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// limit caps the number of requests handled at once
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.workers.Acquire(r.Context(), 1); err != nil {
			http.Error(w, "request cancelled", http.StatusServiceUnavailable)
			return
		}
		defer s.workers.Release(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	telemetry.InfoWithTrace(p.Request.Context(), s.logger, "http request",
		zap.String("method", p.Request.Method),
		zap.String("path", p.URL.Path),
		zap.Int("status", p.StatusCode),
		zap.Int("bytes", p.Size),
		zap.Duration("duration", time.Since(p.TimeStamp)),
	)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write(s.index)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if name, ok := mux.Vars(r)["name"]; ok {
		q.Add("name", name)
		if q.Get("title") == "" {
			q.Set("title", name)
		}
	}

	req, err := chart.ParseRequest(q)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	img, err := s.renderer.Render(r.Context(), req)
	switch {
	case errors.Is(err, chart.ErrBadRequest), errors.Is(err, chart.ErrNoData):
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	case err != nil:
		telemetry.ErrorWithTrace(r.Context(), s.logger, "failed to render chart",
			zap.Strings("series", req.Names),
			zap.Error(err),
		)
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	telemetry.DebugWithTrace(r.Context(), s.logger, "request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	http.Error(w, err.Error(), status)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "unknown path: "+r.URL.Path, http.StatusNotFound)
}

type indexData struct {
	Temperature template.URL
	Humidity    template.URL
	Sensors     []string
}

func renderIndex(sensors []string) ([]byte, error) {
	tmpl, err := template.ParseFS(static, "static/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse index page: %w", err)
	}

	data := indexData{Sensors: sensors}
	if len(sensors) > 0 {
		data.Temperature = chartURL("Temperature (°F)", sensors, types.TemperatureSeries)
		data.Humidity = chartURL("Humidity (%)", sensors, types.HumiditySeries)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render index page: %w", err)
	}
	return buf.Bytes(), nil
}

func chartURL(title string, sensors []string, series func(string) string) template.URL {
	q := url.Values{"title": {title}}
	for _, name := range sensors {
		q.Add("name", series(name))
	}
	return template.URL("/render?" + q.Encode())
}
