// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// SimpleCnnModelGraph is a small CNN: two convolutions (32 and 64 filters, 3x3, no padding) each
// followed by a ReLU and a 2x2 max-pooling, then a hidden dense layer of 128 units with dropout,
// and the readout layer.
//
// Hyperparameters: "simple_dropout_rate" (default 0.3) and "simple_dense_nodes" (default 128).
func SimpleCnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	images := inputs[0]
	images.AssertRank(4)
	numClasses := mustNumClasses(ctx)
	batchSize := images.Shape().Dimensions[0]

	x := images
	for ii, filters := range []int{32, 64} {
		ctx := ctx.Inf("%03d_conv", ii)
		x = layers.Convolution(ctx, x).Channels(filters).KernelSize(3).NoPadding().Done()
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).Done()
	}

	x = Reshape(x, batchSize, -1)
	x = layers.DenseWithBias(ctx.In("dense"), x, context.GetParamOr(ctx, "simple_dense_nodes", 128))
	x = activations.Relu(x)
	x = dropout(ctx, x, context.GetParamOr(ctx, "simple_dropout_rate", 0.3))
	logits := layers.DenseWithBias(ctx.In("readout"), x, numClasses)
	return []*Node{logits}
}

// DeepCnnModelGraph stacks three convolution blocks, each a 3x3 convolution with "same" padding
// followed by batch normalization, ReLU and 2x2 max-pooling. The number of filters per block comes
// from "deep_filters" (default [32, 64, 128]). On top of it a dense layer ("deep_dense_nodes",
// default 256) with dropout ("deep_dropout_rate", default 0.5) and the readout layer.
//
// It is meant to be trained with image augmentation enabled.
func DeepCnnModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	images := inputs[0]
	images.AssertRank(4)
	numClasses := mustNumClasses(ctx)
	batchSize := images.Shape().Dimensions[0]

	x := images
	for ii, filters := range context.GetParamOr(ctx, "deep_filters", []int{32, 64, 128}) {
		ctx := ctx.Inf("%03d_block", ii)
		x = layers.Convolution(ctx, x).Channels(filters).KernelSize(3).PadSame().Done()
		x = batchnorm.New(ctx, x, -1).Done()
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).Done()
	}

	x = Reshape(x, batchSize, -1)
	x = layers.DenseWithBias(ctx.In("dense"), x, context.GetParamOr(ctx, "deep_dense_nodes", 256))
	x = activations.Relu(x)
	x = dropout(ctx, x, context.GetParamOr(ctx, "deep_dropout_rate", 0.5))
	logits := layers.DenseWithBias(ctx.In("readout"), x, numClasses)
	return []*Node{logits}
}

// dropout is a no-op during inference or if rate is 0.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

func mustNumClasses(ctx *context.Context) int {
	numClasses := NumClasses(ctx)
	if numClasses < 2 {
		exceptions.Panicf("model requires at least 2 classes, got %d: set %q or %q", numClasses, ParamNumClasses, ParamClassNames)
	}
	return numClasses
}
