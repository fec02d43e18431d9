// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features computes simple image-level statistics (mean, standard deviation, maximum and
// minimum grayscale intensity) over a labeled image folder, and how they correlate with each other.
package features

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Names of the features, in the order they are stored in Vector.Values.
var Names = []string{"Mean", "StdDev", "Max", "Min"}

// DefaultLimit is the default maximum number of images processed by Extract.
const DefaultLimit = 200

// Vector holds the statistics of one grayscale image, with intensities in [0, 255].
type Vector struct {
	Mean, StdDev, Max, Min float64
}

// Values returns the features in the order given by Names.
func (v Vector) Values() []float64 {
	return []float64{v.Mean, v.StdDev, v.Max, v.Min}
}

// Grayscale converts img to 8-bit luminance, Y = 0.299 R + 0.587 G + 0.114 B rounded. Alpha is ignored.
// Pixels are returned in row-major order.
func Grayscale(img image.Image) []uint8 {
	nrgba := imaging.Clone(img)
	size := nrgba.Bounds().Size()
	gray := make([]uint8, 0, size.X*size.Y)
	for y := range size.Y {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*size.X]
		for x := 0; x < len(row); x += 4 {
			lum := 0.299*float64(row[x]) + 0.587*float64(row[x+1]) + 0.114*float64(row[x+2])
			gray = append(gray, uint8(math.Min(math.Round(lum), 255)))
		}
	}
	return gray
}

// Compute the feature Vector of img. The standard deviation is the population one.
func Compute(img image.Image) Vector {
	gray := Grayscale(img)
	if len(gray) == 0 {
		return Vector{}
	}
	values := make([]float64, len(gray))
	for ii, g := range gray {
		values[ii] = float64(g)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Vector{
		Mean:   mean,
		StdDev: std,
		Max:    floats.Max(values),
		Min:    floats.Min(values),
	}
}

// Row is the feature Vector of one image file.
type Row struct {
	Path  string
	Class string
	Vector
}

// Config for Extract.
type Config struct {
	// ImageSize is the width and height images are resized to before computing features.
	// Defaults to dataset.DefaultImageSize.
	ImageSize int

	// Limit is the maximum number of rows extracted, counted over all classes. Defaults to DefaultLimit.
	// Set to a negative value for no limit.
	Limit int
}

// Extract computes the feature Vector of the images in each class folder of dir, visiting classes
// and files in sorted order, until config.Limit rows are collected.
//
// Unreadable images are skipped with a warning and don't count towards the limit.
func Extract(dir string, config Config) ([]Row, error) {
	if config.ImageSize <= 0 {
		config.ImageSize = dataset.DefaultImageSize
	}
	if config.Limit == 0 {
		config.Limit = DefaultLimit
	}
	examples, _, err := dataset.Scan(dir)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, example := range examples {
		if config.Limit > 0 && len(rows) >= config.Limit {
			break
		}
		img, err := dataset.LoadImage(example.Path, config.ImageSize)
		if err != nil {
			klog.Warningf("Skipped unreadable image: %s (%v)", example.Path, err)
			continue
		}
		rows = append(rows, Row{Path: example.Path, Class: example.ClassName, Vector: Compute(img)})
	}
	if len(rows) == 0 {
		return nil, errors.Errorf("no readable images found in %q", dir)
	}
	klog.V(1).Infof("Extracted features of %d images from %q", len(rows), dir)
	return rows, nil
}
