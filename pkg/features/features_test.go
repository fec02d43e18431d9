// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/potholes/internal/imagetest"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrayscale(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 255})
	img.SetNRGBA(2, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	assert.Equal(t, []uint8{76, 150, 255}, Grayscale(img))
}

func TestCompute(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{A: 255})
	v := Compute(img)
	assert.InDelta(t, 127.5, v.Mean, 1e-9)
	assert.InDelta(t, 127.5, v.StdDev, 1e-9, "population standard deviation expected")
	assert.Equal(t, 255.0, v.Max)
	assert.Equal(t, 0.0, v.Min)
	assert.Equal(t, []float64{v.Mean, v.StdDev, v.Max, v.Min}, v.Values())
}

func TestExtract(t *testing.T) {
	root := t.TempDir()
	imagetest.WriteClassFolders(t, root, []string{"normal", "pothole", "random"}, []int{2, 2, 2}, 24)
	imagetest.WriteBrokenFile(t, filepath.Join(root, "normal", "img_000_broken.jpg"))

	// Limit counts over all classes.
	rows, err := Extract(root, Config{ImageSize: 16, Limit: 3})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"normal", "normal", "pothole"}, []string{rows[0].Class, rows[1].Class, rows[2].Class})

	rows, err = Extract(root, Config{ImageSize: 16, Limit: -1})
	require.NoError(t, err)
	require.Len(t, rows, 6)

	// Each row is reproducible from the image pixels.
	for _, row := range rows {
		img, err := dataset.LoadImage(row.Path, 16)
		require.NoError(t, err)
		assert.Equal(t, Compute(img), row.Vector, "row %s", row.Path)
	}

	_, err = Extract(filepath.Join(root, "missing"), Config{})
	require.Error(t, err)
}

func testRows() []Row {
	return []Row{
		{Path: "a", Class: "normal", Vector: Vector{Mean: 10, StdDev: 5, Max: 20, Min: 0}},
		{Path: "b", Class: "normal", Vector: Vector{Mean: 20, StdDev: 3, Max: 40, Min: 0}},
		{Path: "c", Class: "pothole", Vector: Vector{Mean: 30, StdDev: 1, Max: 60, Min: 0}},
	}
}

func TestCorrelation(t *testing.T) {
	corr, err := Correlation(testRows())
	require.NoError(t, err)
	rows, cols := corr.Dims()
	require.Equal(t, 4, rows)
	require.Equal(t, 4, cols)
	for ii := range 3 {
		assert.InDelta(t, 1.0, corr.At(ii, ii), 1e-9)
	}
	// Mean and Max are perfectly correlated, Mean and StdDev perfectly anti-correlated.
	assert.InDelta(t, 1.0, corr.At(0, 2), 1e-9)
	assert.InDelta(t, -1.0, corr.At(0, 1), 1e-9)
	assert.InDelta(t, corr.At(1, 0), corr.At(0, 1), 1e-12)
	// Min is constant.
	assert.True(t, math.IsNaN(corr.At(3, 0)))
	assert.True(t, math.IsNaN(corr.At(3, 3)))

	_, err = Correlation(testRows()[:1])
	require.Error(t, err)
}

func TestCSV(t *testing.T) {
	rows := testRows()
	df := ToDataFrame(rows)
	assert.Equal(t, []string{"Path", "Class", "Mean", "StdDev", "Max", "Min"}, df.Names())
	assert.Equal(t, 3, df.Nrow())

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	assert.True(t, strings.HasPrefix(buf.String(), "Path,Class,Mean,StdDev,Max,Min\n"))
	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestRender(t *testing.T) {
	corr, err := Correlation(testRows())
	require.NoError(t, err)
	table := RenderTable(corr, Names)
	for _, name := range Names {
		assert.Contains(t, table, name)
	}
	assert.Contains(t, table, "1.00")
	assert.Contains(t, table, "-1.00")

	summary := RenderSummary(testRows())
	assert.Contains(t, summary, "normal")
	assert.Contains(t, summary, "pothole")
	assert.Contains(t, summary, "15.00") // Mean of "normal" means.
}

func TestSaveHeatmap(t *testing.T) {
	corr, err := Correlation(testRows())
	require.NoError(t, err)
	dir := t.TempDir()
	for _, name := range []string{"heatmap.png", "heatmap.svg", "heatmap.html"} {
		p := filepath.Join(dir, name)
		require.NoError(t, SaveHeatmap(corr, Names, DefaultHeatmapTitle, p))
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(100), "file %s too small", name)
	}
	contents, err := os.ReadFile(filepath.Join(dir, "heatmap.html"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Plotly.newPlot")

	_, err = HeatmapPlot(corr, Names[:2], "x")
	require.Error(t, err)
}
