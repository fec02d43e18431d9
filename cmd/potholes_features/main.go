// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// potholes_features computes simple statistics (mean, standard deviation, max and min of the
// grayscale pixels) of the images of a road dataset, and shows how they correlate.
//
// Usage:
//
//	potholes_features --data=~/work/potholes --heatmap=correlation.png
package main

import (
	"flag"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/potholes/internal/config"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/features"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	cfg = config.Load()

	flagDataDir   = flag.String("data", cfg.DataDir, "Dataset directory, with one sub-directory per class. Env: POTHOLES_DATA_DIR.")
	flagLimit     = flag.Int("limit", features.DefaultLimit, "Maximum number of images to process, across all classes. Use -1 for no limit.")
	flagImageSize = flag.Int("image_size", dataset.DefaultImageSize, "Images are resized to image_size x image_size before computing the features.")
	flagHeatmap   = flag.String("heatmap", "", "If set, save the correlation heatmap to this file: .png, .svg, .pdf or .html (interactive).")
	flagCSV       = flag.String("csv", "", "If set, save the features of every image to this CSV file.")
	flagColor     = flag.Bool("color", true, "Use colors in the terminal output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	rows := must.M1(features.Extract(*flagDataDir, features.Config{ImageSize: *flagImageSize, Limit: *flagLimit}))
	fmt.Printf("Extracted features from %d images\n\n", len(rows))
	fmt.Println(features.RenderSummary(rows))

	corr := must.M1(features.Correlation(rows))
	fmt.Println()
	fmt.Println(features.DefaultHeatmapTitle + ":")
	fmt.Println(features.RenderTable(corr, features.Names))

	if *flagCSV != "" {
		must.M(features.SaveCSV(*flagCSV, rows))
		fmt.Printf("Features saved to %q\n", *flagCSV)
	}
	if *flagHeatmap != "" {
		must.M(features.SaveHeatmap(corr, features.Names, features.DefaultHeatmapTitle, *flagHeatmap))
		fmt.Printf("Heatmap saved to %q\n", *flagHeatmap)
	}
}
