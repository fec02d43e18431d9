// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
)

// DefaultHeatmapTitle is the title used by the feature correlation heatmap.
const DefaultHeatmapTitle = "Correlation Matrix of Image-Level Features"

// matrixGrid adapts a square matrix to plotter.GridXYZ. Row 0 of the matrix is drawn at the top.
type matrixGrid struct {
	m mat.Matrix
}

func (g matrixGrid) Dims() (c, r int) {
	r, c = g.m.Dims()
	return c, r
}

func (g matrixGrid) Z(c, r int) float64 {
	rows, _ := g.m.Dims()
	return g.m.At(rows-1-r, c)
}

func (g matrixGrid) X(c int) float64 { return float64(c) }
func (g matrixGrid) Y(r int) float64 { return float64(r) }

// SaveHeatmap renders the correlation matrix as an annotated heatmap to filePath.
//
// The format is selected by the file extension: ".html" generates an interactive Plotly page,
// anything else supported by gonum/plot (".png", ".svg", ".pdf", ...) generates a static image.
func SaveHeatmap(corr mat.Matrix, names []string, title, filePath string) error {
	if strings.ToLower(filepath.Ext(filePath)) == ".html" {
		f, err := os.Create(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to create file %q", filePath)
		}
		if err = WriteHeatmapHTML(f, corr, names, title); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}

	p, err := HeatmapPlot(corr, names, title)
	if err != nil {
		return err
	}
	size := vg.Length(1.5*float64(len(names))+1.5) * vg.Inch
	if err = p.Save(size+vg.Inch, size, filePath); err != nil {
		return errors.Wrapf(err, "failed to save heatmap to %q", filePath)
	}
	return nil
}

// HeatmapPlot creates the gonum plot of the correlation heatmap, on a diverging blue-red palette over [-1, 1],
// with each cell annotated with its value.
func HeatmapPlot(corr mat.Matrix, names []string, title string) (*plot.Plot, error) {
	rows, cols := corr.Dims()
	if rows != cols || rows != len(names) {
		return nil, errors.Errorf("heatmap requires a square matrix matching %d names, got %dx%d", len(names), rows, cols)
	}
	colorMap := moreland.SmoothBlueRed()
	colorMap.SetMin(-1)
	colorMap.SetMax(1)

	grid := matrixGrid{m: corr}
	heatMap := plotter.NewHeatMap(grid, colorMap.Palette(255))
	heatMap.Min, heatMap.Max = -1, 1
	heatMap.NaN = color.Gray{Y: 200}

	p := plot.New()
	p.Title.Text = title
	p.Add(heatMap)

	var xys plotter.XYs
	var annotations []string
	for r := range rows {
		for c := range cols {
			xys = append(xys, plotter.XY{X: grid.X(c), Y: grid.Y(r)})
			annotations = append(annotations, formatCell(grid.Z(c, r)))
		}
	}
	labels, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: annotations})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create heatmap annotations")
	}
	for ii := range labels.TextStyle {
		labels.TextStyle[ii].XAlign = text.XCenter
		labels.TextStyle[ii].YAlign = text.YCenter
	}
	p.Add(labels)

	xTicks := make([]plot.Tick, cols)
	yTicks := make([]plot.Tick, rows)
	for ii, name := range names {
		xTicks[ii] = plot.Tick{Value: float64(ii), Label: name}
		yTicks[rows-1-ii] = plot.Tick{Value: float64(rows - 1 - ii), Label: name}
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)
	p.X.Min, p.X.Max = -0.5, float64(cols)-0.5
	p.Y.Min, p.Y.Max = -0.5, float64(rows)-0.5
	return p, nil
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return fmt.Sprintf("%.2f", v)
}

var (
	heatmapHTML = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="utf-8">
		<title>{{ .Title }}</title>
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
		<div id="heatmap"></div>
	<script>
		data = JSON.parse(atob('{{ .Figure }}'))
		Plotly.newPlot('heatmap', data);
	</script>
	</body>
</html>`
	heatmapHTMLTmpl = template.Must(template.New("heatmap").Parse(heatmapHTML))
)

// HeatmapFigure creates the Plotly figure of the correlation heatmap. NaN values are left empty.
func HeatmapFigure(corr mat.Matrix, names []string, title string) *grob.Fig {
	rows, cols := corr.Dims()
	z := make([][]any, rows)
	for r := range rows {
		z[r] = make([]any, cols)
		for c := range cols {
			if v := corr.At(r, c); !math.IsNaN(v) {
				z[r][c] = v
			}
		}
	}
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(title),
			},
			Yaxis: &grob.LayoutYaxis{
				Autorange: "reversed",
			},
		},
	}
	fig.Data = append(fig.Data, &grob.Heatmap{
		Z:            ptypes.DataArray(z),
		X:            ptypes.DataArray(names),
		Y:            ptypes.DataArray(names),
		Texttemplate: ptypes.S("%{z:.2f}"),
	})
	return fig
}

// WriteHeatmapHTML writes a standalone HTML page with the interactive heatmap.
func WriteHeatmapHTML(w io.Writer, corr mat.Matrix, names []string, title string) error {
	figAsJSON, err := json.Marshal(HeatmapFigure(corr, names, title))
	if err != nil {
		return errors.Wrap(err, "failed to marshal plotly heatmap")
	}
	data := &struct {
		Title, CDN, Figure string
	}{
		Title:  title,
		CDN:    plotly.PlotlySrc,
		Figure: base64.StdEncoding.EncodeToString(figAsJSON),
	}
	if err = heatmapHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly heatmap")
	}
	return nil
}
