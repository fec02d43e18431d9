// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// potholes_train trains a convolutional network to classify road images, from a dataset directory
// with one sub-directory per class (e.g. "normal", "pothole", "random").
//
// Hyperparameters are set with --set, e.g.:
//
//	potholes_train --data=~/work/potholes --set="model=deep;num_epochs=20"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/potholes/internal/config"
	"github.com/gomlx/potholes/pkg/training"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	cfg = config.Load()

	flagDataDir    = flag.String("data", cfg.DataDir, "Dataset directory, with one sub-directory per class. Env: POTHOLES_DATA_DIR.")
	flagCheckpoint = flag.String("checkpoint", cfg.Checkpoint, "Directory where the model is saved, relative to --data if not absolute. If it holds a model already, training resumes from it. Env: POTHOLES_CHECKPOINT.")
	flagEval       = flag.Bool("eval", true, "Evaluate the model on the train and validation splits at the end.")
	flagVerbose    = flag.Bool("verbose", true, "Display progress bars.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	result, err := training.Train(ctx, training.Config{
		DataDir:       *flagDataDir,
		CheckpointDir: *flagCheckpoint,
		Eval:          *flagEval,
		ParamsSet:     paramsSet,
		Verbose:       *flagVerbose,
	})
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Println(result)
	if result.CheckpointDir != "" {
		fmt.Printf("Model saved to %q\n", result.CheckpointDir)
	}
	for _, plotFile := range result.PlotFiles {
		fmt.Printf("Training curves saved to %q\n", plotFile)
	}
}
