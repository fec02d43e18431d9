// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mg "github.com/erkkah/margaid"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// History collects the metrics of a training run, one plots.Point at a time, and renders them as SVG
// charts with Margaid, one chart per metric type ("loss", "accuracy").
//
// It implements plots.Plotter, so it can be fed by plots.AddTrainAndEvalMetrics.
type History struct {
	Width, Height int

	mu     sync.Mutex
	points []plots.Point

	perMetricType map[string]*metricPlot

	// Optional asynchronous writer of new points.
	writer    chan<- plots.Point
	errReport <-chan error
}

var _ plots.Plotter = (*History)(nil)

// metricPlot holds the series of all metrics that share the same type, and hence the same Y axis.
type metricPlot struct {
	perName map[string]*mg.Series

	// allPoints collects the points of all series, to configure the axes.
	allPoints *mg.Series
}

// NewHistory creates an empty History, whose charts will be rendered with the given dimensions.
func NewHistory(width, height int) *History {
	return &History{
		Width:         width,
		Height:        height,
		perMetricType: make(map[string]*metricPlot),
	}
}

// WithFile loads previously saved points from filePath, if it exists, and appends new points to it.
// Call Close when done, to flush the file.
func (h *History) WithFile(filePath string) (*History, error) {
	if _, err := os.Stat(filePath); err == nil {
		points, err := plots.LoadPoints(filePath)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			h.addPoint(p)
		}
		klog.V(1).Infof("Loaded %d training history points from %q", len(points), filePath)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to access training history file %q", filePath)
	}
	h.writer, h.errReport = plots.CreatePointsWriter(filePath)
	return h, nil
}

// AddPoint implements plots.Plotter.
func (h *History) AddPoint(point plots.Point) {
	if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
		return
	}
	h.addPoint(point)
	if h.writer != nil {
		h.writer <- point
	}
}

func (h *History) addPoint(point plots.Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, point)
	plot, found := h.perMetricType[point.MetricType]
	if !found {
		plot = &metricPlot{
			perName:   make(map[string]*mg.Series),
			allPoints: mg.NewSeries(),
		}
		h.perMetricType[point.MetricType] = plot
	}
	s, found := plot.perName[point.MetricName]
	if !found {
		s = mg.NewSeries(mg.Titled(point.MetricName))
		plot.perName[point.MetricName] = s
	}
	value := mg.MakeValue(point.Step, point.Value)
	s.Add(value)
	plot.allPoints.Add(value)
}

// DynamicSampleDone implements plots.Plotter. History is only rendered on request, so it is a no-op.
func (h *History) DynamicSampleDone(incomplete bool) {
	if incomplete {
		klog.V(1).Info("Training history sample incomplete: some metrics were NaN or infinite")
	}
}

// Points returns a copy of all points collected.
func (h *History) Points() []plots.Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]plots.Point(nil), h.points...)
}

// Last returns the most recent value of the metric with the given name, and whether it was found.
func (h *History) Last(metricName string) (value float64, found bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ii := len(h.points) - 1; ii >= 0; ii-- {
		if h.points[ii].MetricName == metricName {
			return h.points[ii].Value, true
		}
	}
	return 0, false
}

// MetricTypes returns the sorted metric types collected.
func (h *History) MetricTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return xslices.SortedKeys(h.perMetricType)
}

// RenderSVG renders the chart of all metrics of the given type.
func (h *History) RenderSVG(metricType string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	plot, found := h.perMetricType[metricType]
	if !found {
		return "", errors.Errorf("no points for metric type %q", metricType)
	}
	allSeries := make([]*mg.Series, 0, len(plot.perName))
	for _, name := range xslices.SortedKeys(plot.perName) {
		allSeries = append(allSeries, plot.perName[name])
	}
	diagram := mg.New(h.Width, h.Height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(plot.allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(plot.allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, metricType)
	diagram.Frame()
	diagram.Title(fmt.Sprintf("%s metrics", metricType))
	diagram.Legend(mg.BottomLeft)
	buf := bytes.NewBuffer(nil)
	if err := diagram.Render(buf); err != nil {
		return "", errors.Wrapf(err, "failed to render plot for %q", metricType)
	}
	return buf.String(), nil
}

// SaveSVGs writes one SVG file per metric type to dir, named "training_<metric type>.svg".
// It returns the paths of the files written.
func (h *History) SaveSVGs(dir string) ([]string, error) {
	var paths []string
	for _, metricType := range h.MetricTypes() {
		svg, err := h.RenderSVG(metricType)
		if err != nil {
			return nil, err
		}
		name := strings.ReplaceAll(strings.ToLower(metricType), " ", "_")
		p := filepath.Join(dir, fmt.Sprintf("training_%s.svg", name))
		if err = os.WriteFile(p, []byte(svg), 0644); err != nil {
			return nil, errors.Wrapf(err, "failed to write training plot %q", p)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Close flushes and closes the points file, if one is being written.
func (h *History) Close() error {
	if h.writer == nil {
		return nil
	}
	close(h.writer)
	h.writer = nil
	return <-h.errReport
}
