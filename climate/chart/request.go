package chart

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrBadRequest marks malformed render requests
	ErrBadRequest = errors.New("bad request")
	// ErrNoData is returned when the requested series cannot span a chart
	ErrNoData = errors.New("no data")
	// ErrRender wraps drawing and encoding failures
	ErrRender = errors.New("render failed")
)

// Request describes one chart. XMin and XMax, when set, override the
// bounds of the value axis.
type Request struct {
	Names []string
	XMin  *float64
	XMax  *float64
	Title string
}

// ParseRequest builds a Request from query parameters. Names keep their
// query order, which fixes each series' palette slot, so a name repeated
// within one request is rejected.
func ParseRequest(q url.Values) (Request, error) {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var req Request
	seen := make(map[string]bool)
	for _, key := range keys {
		values := q[key]
		if len(values) == 0 {
			continue
		}
		switch key {
		case "name":
			for _, name := range values {
				name = strings.TrimSpace(name)
				if name == "" {
					return Request{}, fmt.Errorf("%w: empty series name", ErrBadRequest)
				}
				if seen[name] {
					return Request{}, fmt.Errorf("%w: series %q requested more than once", ErrBadRequest, name)
				}
				seen[name] = true
				req.Names = append(req.Names, name)
			}
		case "xmin", "xmax":
			v, err := parseBound(key, values[0])
			if err != nil {
				return Request{}, err
			}
			if key == "xmin" {
				req.XMin = &v
			} else {
				req.XMax = &v
			}
		case "title":
			req.Title = values[0]
		default:
			return Request{}, fmt.Errorf("%w: unknown query parameter %q", ErrBadRequest, key)
		}
	}

	if len(req.Names) == 0 {
		return Request{}, fmt.Errorf("%w: at least one name is required", ErrBadRequest)
	}
	if req.Title == "" {
		return Request{}, fmt.Errorf("%w: title is required", ErrBadRequest)
	}
	return req, nil
}

func parseBound(key, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a finite number, got %q", ErrBadRequest, key, raw)
	}
	return v, nil
}
