// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier loads a trained road image classifier and classifies single images.
//
// To use it, create a Classifier with New, pointing to the checkpoint directory created by training,
// and call its Predict method with any image: it is resized to the model's input size.
package classifier

import (
	"image"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Classifier holds a trained model compiled for inference on one image at a time.
// It is safe for concurrent use.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights and hyperparameters.
	ctx *context.Context

	classNames []string
	imageSize  int
	modelType  string

	// mu serializes calls to exec.
	mu   sync.Mutex
	exec *context.Exec
}

var _ Predictor = (*Classifier)(nil)

// Option configures New.
type Option func(c *Classifier)

// WithBackend uses the given backend instead of creating a default one.
func WithBackend(backend backends.Backend) Option {
	return func(c *Classifier) { c.backend = backend }
}

// New loads the model saved in checkpointDir.
//
// The model type, image size and class names are all read from the checkpoint, so the same model
// is rebuilt and predictions are reported with the names of the classes used in training.
func New(checkpointDir string, options ...Option) (*Classifier, error) {
	c := &Classifier{ctx: context.New()}
	for _, option := range options {
		option(c)
	}
	if c.backend == nil {
		err := exceptions.TryCatch[error](func() { c.backend = backends.MustNew() })
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create backend")
		}
	}

	// We don't need to keep the checkpoint handler around, since we are not going to use it to save.
	_, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // It will be an error to create a new variable.

	c.classNames = context.GetParamOr(c.ctx, models.ParamClassNames, []string(nil))
	if len(c.classNames) < 2 {
		return nil, errors.Errorf("checkpoint %q has no %q with at least 2 classes: was it created by training?",
			checkpointDir, models.ParamClassNames)
	}
	c.imageSize = context.GetParamOr(c.ctx, models.ParamImageSize, dataset.DefaultImageSize)
	c.modelType = context.GetParamOr(c.ctx, models.ParamModel, "simple")
	modelFn, err := models.SelectModelFn(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q, invalid model type", checkpointDir)
	}

	numClasses := len(c.classNames)
	c.exec, err = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, image *Node) *Node {
		image = ExpandAxes(image, 0) // Create a batch dimension of size 1.
		logits := modelFn(ctx, nil, []*Node{image})[0]
		probabilities := Softmax(logits, -1)
		return Reshape(probabilities, numClasses) // Remove batch dimension.
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile model from %q", checkpointDir)
	}
	klog.V(1).Infof("Loaded %q model from %q: image size %d, classes %q",
		c.modelType, checkpointDir, c.imageSize, c.classNames)
	return c, nil
}

// ClassNames implements Predictor.
func (c *Classifier) ClassNames() []string { return slices.Clone(c.classNames) }

// ImageSize is the width and height images are resized to.
func (c *Classifier) ImageSize() int { return c.imageSize }

// ModelType is the name of the model architecture loaded.
func (c *Classifier) ModelType() string { return c.modelType }

// Predict implements Predictor. The image is resized to the model's input size and normalized to [0, 1].
func (c *Classifier) Predict(img image.Image) (*Prediction, error) {
	resized := dataset.Preprocess(img, c.imageSize, c.imageSize)
	input := images.ToTensor(dtypes.Float32).Single(resized)

	c.mu.Lock()
	defer c.mu.Unlock()
	var output *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var execErr error
		output, execErr = c.exec.Exec1(input)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run model")
	}
	probabilities32 := output.Value().([]float32)
	probabilities := make([]float64, len(probabilities32))
	for ii, p := range probabilities32 {
		probabilities[ii] = float64(p)
	}
	return NewPrediction(probabilities, c.classNames)
}
