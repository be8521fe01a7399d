package chart

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"

	"github.com/mjasion/balena-home/pkg/telemetry"
	"github.com/mjasion/balena-home/pkg/types"
)

const (
	// ContentType of rendered charts
	ContentType = "image/svg+xml"

	// FlatMargin pads the value axis when every value is the same
	FlatMargin = 10.0

	width      = 640
	height     = 480
	timeFormat = "Mon 15:04"
)

// Querier reads the full history of a series in timestamp order
type Querier interface {
	QueryRange(ctx context.Context, series string) ([]types.Reading, error)
}

// Series is one line of a chart
type Series struct {
	Name   string
	Points []types.Reading
}

// Chart is a prepared chart with its axis ranges resolved
type Chart struct {
	Title    string
	Series   []Series
	TimeMin  int64
	TimeMax  int64
	ValueMin float64
	ValueMax float64
}

// Image is an encoded chart
type Image struct {
	Data        []byte
	ContentType string
}

// Renderer draws charts from stored series
type Renderer struct {
	store    Querier
	logger   *zap.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewRenderer creates a Renderer reading from store
func NewRenderer(store Querier, logger *zap.Logger) *Renderer {
	duration, _ := otel.Meter("climate/chart").Float64Histogram("climate.chart.render_duration",
		metric.WithDescription("Time spent preparing and drawing a chart"),
		metric.WithUnit("s"))

	return &Renderer{
		store:    store,
		logger:   logger,
		tracer:   otel.Tracer("climate/chart"),
		duration: duration,
	}
}

// Prepare queries every requested series and computes one shared time
// range and one shared value range across all of them.
func (r *Renderer) Prepare(ctx context.Context, req Request) (*Chart, error) {
	c := &Chart{Title: req.Title}
	first := true

	for _, name := range req.Names {
		points, err := r.store.QueryRange(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to query series %s: %w", name, err)
		}
		if len(points) == 0 {
			return nil, fmt.Errorf("%w: series %q has no readings", ErrNoData, name)
		}

		for _, p := range points {
			if first {
				c.TimeMin, c.TimeMax = p.Timestamp, p.Timestamp
				c.ValueMin, c.ValueMax = p.Value, p.Value
				first = false
				continue
			}
			c.TimeMin = min(c.TimeMin, p.Timestamp)
			c.TimeMax = max(c.TimeMax, p.Timestamp)
			c.ValueMin = min(c.ValueMin, p.Value)
			c.ValueMax = max(c.ValueMax, p.Value)
		}
		c.Series = append(c.Series, Series{Name: name, Points: points})
	}

	if c.TimeMin == c.TimeMax {
		return nil, fmt.Errorf("%w: need readings at two distinct times", ErrNoData)
	}

	if c.ValueMin == c.ValueMax {
		c.ValueMin -= FlatMargin
		c.ValueMax += FlatMargin
	}
	if req.XMin != nil {
		c.ValueMin = *req.XMin
	}
	if req.XMax != nil {
		c.ValueMax = *req.XMax
	}
	if c.ValueMin >= c.ValueMax {
		return nil, fmt.Errorf("%w: value range [%g, %g] is empty", ErrBadRequest, c.ValueMin, c.ValueMax)
	}

	return c, nil
}

// SVG draws the chart on a 640x480 canvas
func (c *Chart) SVG() ([]byte, error) {
	p := plot.New()
	p.Title.Text = c.Title
	p.X.Tick.Marker = plot.TimeTicks{Format: timeFormat, Time: plot.UTCUnixTime}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, s := range c.Series {
		xys := make(plotter.XYs, len(s.Points))
		for j, pt := range s.Points {
			xys[j].X = float64(pt.Timestamp)
			xys[j].Y = pt.Value
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("%w: series %s: %w", ErrRender, s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}

	// Add widens the axes to the data; the resolved ranges win.
	p.X.Min, p.X.Max = float64(c.TimeMin), float64(c.TimeMax)
	p.Y.Min, p.Y.Max = c.ValueMin, c.ValueMax

	canvas := vgsvg.New(vg.Points(width), vg.Points(height))
	p.Draw(draw.New(canvas))

	var buf bytes.Buffer
	if _, err := canvas.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: encode svg: %w", ErrRender, err)
	}
	return buf.Bytes(), nil
}

// Render prepares and draws the chart described by req
func (r *Renderer) Render(ctx context.Context, req Request) (*Image, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "chart.Render",
		trace.WithAttributes(
			attribute.StringSlice("chart.series", req.Names),
			attribute.String("chart.title", req.Title),
		))
	defer span.End()

	img, err := r.render(ctx, req)
	r.duration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		return nil, err
	}

	telemetry.DebugWithTrace(ctx, r.logger, "chart rendered",
		zap.Strings("series", req.Names),
		zap.Int("bytes", len(img.Data)),
		zap.Duration("duration", time.Since(start)),
	)
	return img, nil
}

func (r *Renderer) render(ctx context.Context, req Request) (*Image, error) {
	c, err := r.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := c.SVG()
	if err != nil {
		return nil, err
	}
	return &Image{Data: data, ContentType: ContentType}, nil
}
