// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains the road image classifiers defined in package models, and saves the
// trained model as a GoMLX checkpoint, together with the hyperparameters needed to serve it.
package training

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/models"
)

// Hyperparameters specific to the training run. The model ones are defined in package models.
const (
	ParamNumEpochs          = "num_epochs"
	ParamBatchSize          = "batch_size"
	ParamEvalBatchSize      = "eval_batch_size"
	ParamValidationFraction = "validation_fraction"
	ParamSplitSeed          = "split_seed"
	ParamNumCheckpoints     = "num_checkpoints"
	ParamPlots              = "plots"

	// ParamAugmentation is one of "auto", "on" or "off". With "auto" augmentation is only used by the "deep" model.
	ParamAugmentation            = "augmentation"
	ParamAugmentationAngleStdDev = "augmentation_angle_stddev"
	ParamAugmentationRandomFlips = "augmentation_random_flips"
	ParamAugmentationZoom        = "augmentation_zoom"
)

// CreateDefaultContext sets the context with default hyperparameters to use with Train.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model type to use: "simple" or "deep".
		models.ParamModel:     "simple",
		models.ParamImageSize: dataset.DefaultImageSize,

		ParamNumEpochs:          10,
		ParamBatchSize:          32,
		ParamEvalBatchSize:      64,
		ParamValidationFraction: 0.2,
		ParamSplitSeed:          42,
		ParamNumCheckpoints:     3,

		// ParamPlots saves the training metrics along the checkpoint, and renders them as SVG at the end.
		ParamPlots: true,

		ParamAugmentation:            "auto",
		ParamAugmentationAngleStdDev: 15.0,
		ParamAugmentationRandomFlips: true,
		ParamAugmentationZoom:        0.1,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,

		// Simple CNN.
		"simple_dense_nodes":  128,
		"simple_dropout_rate": 0.3,

		// Deep CNN.
		"deep_filters":      []int{32, 64, 128},
		"deep_dense_nodes":  256,
		"deep_dropout_rate": 0.5,
	})
	return ctx
}

// AugmentationFromContext returns the image augmentation configured for the model in ctx.
func AugmentationFromContext(ctx *context.Context) dataset.Augmentation {
	enabled := false
	switch context.GetParamOr(ctx, ParamAugmentation, "auto") {
	case "on", "true":
		enabled = true
	case "auto":
		enabled = context.GetParamOr(ctx, models.ParamModel, "simple") == "deep"
	}
	if !enabled {
		return dataset.Augmentation{}
	}
	return dataset.Augmentation{
		AngleStdDev:  context.GetParamOr(ctx, ParamAugmentationAngleStdDev, 0.0),
		FlipRandomly: context.GetParamOr(ctx, ParamAugmentationRandomFlips, false),
		ZoomMax:      context.GetParamOr(ctx, ParamAugmentationZoom, 0.0),
	}
}
