// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSelectModelFn(t *testing.T) {
	ctx := context.New()
	_, err := SelectModelFn(ctx)
	require.NoError(t, err, "default model should be valid")

	ctx.SetParam(ParamModel, "deep")
	_, err = SelectModelFn(ctx)
	require.NoError(t, err)

	ctx.SetParam(ParamModel, "resnet")
	_, err = SelectModelFn(ctx)
	require.ErrorContains(t, err, "resnet")
}

func TestNumClasses(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, 0, NumClasses(ctx))
	ctx.SetParam(ParamClassNames, []string{"normal", "pothole", "random"})
	assert.Equal(t, 3, NumClasses(ctx))
	ctx.SetParam(ParamNumClasses, 2)
	assert.Equal(t, 2, NumClasses(ctx))
}

func TestModelsOutputShape(t *testing.T) {
	backend := backends.MustNew()
	for _, modelType := range []string{"simple", "deep"} {
		t.Run(modelType, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParam(ParamModel, modelType)
			ctx.SetParam(ParamClassNames, []string{"normal", "pothole", "random"})
			modelFn, err := SelectModelFn(ctx)
			require.NoError(t, err)
			images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 32, 32, 3))
			logits, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images *Node) *Node {
				return modelFn(ctx, nil, []*Node{images})[0]
			}, images)
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
			assert.Equal(t, dtypes.Float32, logits.DType())
		})
	}
}
