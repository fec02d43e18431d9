// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the convolutional classifiers for road images.
//
// All models follow the train.ModelFn signature: they take one input, the images batch shaped
// `[batch_size, height, width, 3]`, and return the logits shaped `[batch_size, num_classes]`.
// The model is selected with the "model" hyperparameter (ParamModel).
package models

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

const (
	// ParamModel is the hyperparameter with the name of the model to use. See ModelsFns.
	ParamModel = "model"

	// ParamNumClasses is the hyperparameter with the number of classes, the size of the logits.
	// It is set from the dataset when training starts.
	ParamNumClasses = "num_classes"

	// ParamClassNames is the hyperparameter with the list of class names, in label order.
	// It is stored with the checkpoint so inference can report class names.
	ParamClassNames = "class_names"

	// ParamImageSize is the hyperparameter with the width and height of the model input images.
	ParamImageSize = "image_size"
)

// ModelsFns maps a model name to its model function. One can insert new ones.
var ModelsFns = map[string]train.ModelFn{
	"simple": SimpleCnnModelGraph,
	"deep":   DeepCnnModelGraph,
}

// SelectModelFn returns the model function selected by the ParamModel hyperparameter.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, "simple")
	modelFn, found := ModelsFns[modelType]
	if !found {
		return nil, errors.Errorf("unknown model type %q: valid values are %q",
			modelType, xslices.SortedKeys(ModelsFns))
	}
	return modelFn, nil
}

// NumClasses returns the number of classes configured in the context, from ParamNumClasses or else
// from the length of ParamClassNames.
func NumClasses(ctx *context.Context) int {
	if n := context.GetParamOr(ctx, ParamNumClasses, 0); n > 0 {
		return n
	}
	return len(context.GetParamOr(ctx, ParamClassNames, []string(nil)))
}
