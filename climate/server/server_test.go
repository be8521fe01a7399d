package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/climate/chart"
	"github.com/mjasion/balena-home/climate/store"
	"github.com/mjasion/balena-home/pkg/types"
)

type fakeRenderer struct {
	mu   sync.Mutex
	last chart.Request
	err  error
}

func (f *fakeRenderer) Render(_ context.Context, req chart.Request) (*chart.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &chart.Image{Data: []byte("<svg></svg>"), ContentType: chart.ContentType}, nil
}

func (f *fakeRenderer) lastRequest() chart.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeStats struct {
	stats store.Stats
	names []string
	err   error
}

func (f fakeStats) Stats(context.Context) (store.Stats, error) { return f.stats, f.err }
func (f fakeStats) Series(context.Context) ([]string, error)   { return f.names, f.err }

type fakeExport struct {
	last    time.Time
	size    int
	dropped uint64
}

func (f fakeExport) LastPushTime() time.Time { return f.last }
func (f fakeExport) Backlog() (int, int, uint64) {
	return f.size, 100, f.dropped
}

type fakeClock struct {
	last     time.Time
	interval time.Duration
}

func (f fakeClock) LastCycle() time.Time     { return f.last }
func (f fakeClock) Interval() time.Duration { return f.interval }

func newTestServer(t *testing.T, r Renderer, stats StatsSource, clock CycleClock) *httptest.Server {
	t.Helper()
	s, err := New(Options{Workers: 4, Sensors: []string{"inside", "outside"}}, r, stats, clock, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestIndex(t *testing.T) {
	ts := newTestServer(t, &fakeRenderer{}, fakeStats{}, fakeClock{interval: time.Minute})

	resp, body := get(t, ts.URL+"/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=UTF-8" {
		t.Errorf("Expected text/html content type, got %s", ct)
	}
	for _, want := range []string{"/render/temp-inside", "name=temp-outside", "name=humidity-inside"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected index to contain %q", want)
		}
	}
}

func TestRender(t *testing.T) {
	r := &fakeRenderer{}
	ts := newTestServer(t, r, fakeStats{}, fakeClock{interval: time.Minute})

	resp, body := get(t, ts.URL+"/render?name=temp-inside&name=temp-outside&title=T&xmin=0&xmax=100")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Expected image/svg+xml, got %s", ct)
	}
	if body != "<svg></svg>" {
		t.Errorf("Unexpected body %q", body)
	}
	last := r.lastRequest()
	if len(last.Names) != 2 || last.Title != "T" || last.XMin == nil || last.XMax == nil || *last.XMax != 100 {
		t.Errorf("Unexpected request %+v", last)
	}
}

func TestRender_LegacyPath(t *testing.T) {
	r := &fakeRenderer{}
	ts := newTestServer(t, r, fakeStats{}, fakeClock{interval: time.Minute})

	resp, _ := get(t, ts.URL+"/render/temp-inside")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	last := r.lastRequest()
	if len(last.Names) != 1 || last.Names[0] != "temp-inside" || last.Title != "temp-inside" {
		t.Errorf("Unexpected request %+v", last)
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		renderErr  error
		wantStatus int
		wantBody   string
	}{
		{name: "missing title", path: "/render?name=a", wantStatus: http.StatusBadRequest, wantBody: "title is required"},
		{name: "unknown key", path: "/render?name=a&title=T&color=red", wantStatus: http.StatusBadRequest, wantBody: "color"},
		{name: "no data", path: "/render?name=a&title=T", renderErr: fmt.Errorf("%w: series a", chart.ErrNoData), wantStatus: http.StatusBadRequest, wantBody: "no data"},
		{name: "backend", path: "/render?name=a&title=T", renderErr: fmt.Errorf("%w: boom", chart.ErrRender), wantStatus: http.StatusInternalServerError, wantBody: "boom"},
		{name: "store", path: "/render?name=a&title=T", renderErr: fmt.Errorf("%w: locked", store.ErrIO), wantStatus: http.StatusInternalServerError, wantBody: "locked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeRenderer{err: tt.renderErr}, fakeStats{}, fakeClock{interval: time.Minute})

			resp, body := get(t, ts.URL+tt.path)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
				t.Errorf("Expected text/plain, got %s", resp.Header.Get("Content-Type"))
			}
			if !strings.Contains(body, tt.wantBody) {
				t.Errorf("Expected body containing %q, got %q", tt.wantBody, body)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeRenderer{}, fakeStats{}, fakeClock{interval: time.Minute})

	resp, body := get(t, ts.URL+"/favicon.ico")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(body) != "unknown path: /favicon.ico" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		stats      fakeStats
		last       time.Time
		wantStatus int
		wantState  string
	}{
		{name: "starting", wantStatus: http.StatusOK, wantState: "starting"},
		{name: "fresh", stats: fakeStats{stats: store.Stats{Readings: 4, Series: 2}}, last: time.Now(), wantStatus: http.StatusOK, wantState: "healthy"},
		{name: "stale", last: time.Now().Add(-time.Hour), wantStatus: http.StatusServiceUnavailable, wantState: "unhealthy"},
		{name: "store down", stats: fakeStats{err: errors.New("closed")}, last: time.Now(), wantStatus: http.StatusServiceUnavailable, wantState: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeRenderer{}, tt.stats, fakeClock{last: tt.last, interval: time.Minute})

			resp, body := get(t, ts.URL+"/health")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			var got HealthStatus
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatalf("Invalid JSON %q: %v", body, err)
			}
			if got.Status != tt.wantState {
				t.Errorf("Expected status %s, got %s", tt.wantState, got.Status)
			}
			if got.Readings != tt.stats.stats.Readings || got.Series != tt.stats.stats.Series {
				t.Errorf("Expected stats %+v, got %+v", tt.stats.stats, got)
			}
		})
	}
}

func TestHealth_ReportsSeriesAndExport(t *testing.T) {
	pushed := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	stats := fakeStats{
		stats: store.Stats{Readings: 4, Series: 2},
		names: []string{"humidity-inside", "temp-inside"},
	}
	s, err := New(Options{
		Workers: 1,
		Export:  fakeExport{last: pushed, size: 7, dropped: 3},
	}, &fakeRenderer{}, stats, fakeClock{last: time.Now(), interval: time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, body := get(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var got HealthStatus
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("Invalid JSON %q: %v", body, err)
	}
	if len(got.SeriesNames) != 2 || got.SeriesNames[0] != "humidity-inside" || got.SeriesNames[1] != "temp-inside" {
		t.Errorf("Unexpected series names %v", got.SeriesNames)
	}
	if got.Export == nil {
		t.Fatal("Expected export section")
	}
	if !got.Export.LastPush.Equal(pushed) || got.Export.Buffered != 7 || got.Export.Capacity != 100 || got.Export.Dropped != 3 {
		t.Errorf("Unexpected export section %+v", *got.Export)
	}
}

func TestHealth_OmitsExportWhenDisabled(t *testing.T) {
	ts := newTestServer(t, &fakeRenderer{}, fakeStats{}, fakeClock{last: time.Now(), interval: time.Minute})

	_, body := get(t, ts.URL+"/health")
	if strings.Contains(body, `"export"`) {
		t.Errorf("Expected no export section, got %s", body)
	}
	if !strings.Contains(body, `"seriesNames":[]`) {
		t.Errorf("Expected empty series list, got %s", body)
	}
}

type blockingRenderer struct {
	active  atomic.Int32
	peak    atomic.Int32
	release chan struct{}
}

func (b *blockingRenderer) Render(context.Context, chart.Request) (*chart.Image, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-b.release
	return &chart.Image{Data: []byte("<svg/>"), ContentType: chart.ContentType}, nil
}

func TestWorkerLimit(t *testing.T) {
	r := &blockingRenderer{release: make(chan struct{})}
	s, err := New(Options{Workers: 2}, r, fakeStats{}, fakeClock{interval: time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/render?name=a&title=T")
			if err == nil {
				resp.Body.Close()
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(r.release)
	wg.Wait()

	if peak := r.peak.Load(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent renders, got %d", peak)
	}
}

func TestChartURL(t *testing.T) {
	got := string(chartURL("T", []string{"a", "b"}, types.TemperatureSeries))
	if got != "/render?name=temp-a&name=temp-b&title=T" {
		t.Errorf("Unexpected URL %s", got)
	}
}
