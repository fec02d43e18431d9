// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// potholes_predict classifies one road image with a trained model and prints
// "<class_name> (<confidence>%)".
//
// Usage:
//
//	potholes_predict [flags] <image_path>
//
// By default it uses the GoMLX model saved by potholes_train. With --onnx it uses a model exported
// to ONNX instead, described by the JSON file given by --onnx_metadata.
package main

import (
	"flag"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/potholes/internal/config"
	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/onnxclassifier"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	cfg = config.Load()

	flagDataDir      = flag.String("data", cfg.DataDir, "Dataset directory, used as the base of a relative --checkpoint. Env: POTHOLES_DATA_DIR.")
	flagCheckpoint   = flag.String("checkpoint", cfg.Checkpoint, "Directory of the trained model. Env: POTHOLES_CHECKPOINT.")
	flagONNX         = flag.String("onnx", "", "If set, use this ONNX model instead of the GoMLX checkpoint.")
	flagONNXMetadata = flag.String("onnx_metadata", "", "JSON metadata of the ONNX model. Defaults to the --onnx path with the extension replaced by .json.")
	flagPenalty      = flag.String("confidence_penalty", "", "If set to \"min,max\" (e.g. \"5,12\"), the reported confidence is lowered by a random percentage in that range.")
)

const usage = "Usage: potholes_predict <image_path>"

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		_, _ = fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	os.Exit(run(flag.Args(), os.Stdout, os.Stderr))
}

// run classifies the image given in args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, usage)
		return 2
	}
	// The image is read before the model is loaded, to fail fast.
	img, err := dataset.DecodeImage(args[0])
	if err != nil {
		klog.V(1).Infof("Failed to read %q: %v", args[0], err)
		_, _ = fmt.Fprintln(stderr, "Error: Could not read image")
		return 1
	}
	predictor, closeFn, err := newPredictor()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeFn()
	pred, err := predict(predictor, img)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, pred)
	return 0
}

func predict(predictor classifier.Predictor, img image.Image) (*classifier.Prediction, error) {
	if *flagPenalty != "" {
		minPercent, maxPercent, err := parsePenalty(*flagPenalty)
		if err != nil {
			return nil, err
		}
		predictor, err = classifier.WithConfidencePenalty(predictor, minPercent, maxPercent, nil)
		if err != nil {
			return nil, err
		}
	}
	return predictor.Predict(img)
}

// newPredictor loads the model selected by the flags.
func newPredictor() (predictor classifier.Predictor, closeFn func(), err error) {
	if *flagONNX != "" {
		metadataPath := *flagONNXMetadata
		if metadataPath == "" {
			metadataPath = strings.TrimSuffix(*flagONNX, ".onnx") + ".json"
		}
		c, err := onnxclassifier.New(*flagONNX, metadataPath, onnxclassifier.WithSharedLibrary(cfg.ONNXRuntimeLib))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	checkpointDir, err := config.ResolveCheckpoint(*flagDataDir, *flagCheckpoint)
	if err != nil {
		return nil, nil, err
	}
	c, err := classifier.New(checkpointDir)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {}, nil
}

// parsePenalty parses "min,max" percentages.
func parsePenalty(text string) (minPercent, maxPercent int, err error) {
	parts := strings.Split(text, ",")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("invalid --confidence_penalty %q, it should be \"min,max\"", text)
	}
	minPercent, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err == nil {
		maxPercent, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid --confidence_penalty %q", text)
	}
	return minPercent, maxPercent, nil
}
