// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/models"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// Config of a training run.
type Config struct {
	// DataDir is the dataset root, with one sub-directory per class.
	DataDir string

	// CheckpointDir where the model is saved. If it already holds a checkpoint, training resumes from it.
	// A relative path is taken relative to DataDir. If empty, the trained model is not saved.
	CheckpointDir string

	// Eval reports the metrics on the train and validation splits at the end of training.
	Eval bool

	// ParamsSet lists the hyperparameters set from the command line, which take precedence over the
	// ones saved in the checkpoint.
	ParamsSet []string

	// Verbose displays progress bars.
	Verbose bool

	// Backend to use. If nil, the default backend is created (it can be configured with GOMLX_BACKEND).
	Backend backends.Backend
}

// Result of a training run.
type Result struct {
	ClassNames  []string
	ClassCounts []int

	NumTrain, NumValidation int

	// Epochs is the number of epochs completed, including those of a previous run restored from the checkpoint.
	Epochs     int
	GlobalStep int64

	// ValidationLoss and ValidationAccuracy at the end of training. NaN if there was no validation split.
	ValidationLoss, ValidationAccuracy float64

	// CheckpointDir holds the saved model, if any.
	CheckpointDir string

	// PlotFiles are the SVG charts with the training history, if plots were enabled.
	PlotFiles []string
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	s := fmt.Sprintf("Training complete. Classes: [%s]", strings.Join(r.ClassNames, " "))
	if !math.IsNaN(r.ValidationAccuracy) {
		s += fmt.Sprintf("\n\tvalidation accuracy: %.2f%% (loss %.4f)", 100*r.ValidationAccuracy, r.ValidationLoss)
	}
	return s
}

// Train loads the images from config.DataDir, splits them into train and validation, trains the
// model selected in ctx for the configured number of epochs, and saves it as a checkpoint along
// with the class names and image size.
func Train(ctx *context.Context, config Config) (result *Result, err error) {
	err = exceptions.TryCatch[error](func() { result = mustTrain(ctx, config) })
	return
}

func mustTrain(ctx *context.Context, config Config) *Result {
	dataDir := fsutil.MustReplaceTildeInDir(config.DataDir)

	// Checkpoint: it loads if already exists, and it will save as we train.
	var checkpoint *checkpoints.Handler
	if config.CheckpointDir != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(config.CheckpointDir, dataDir).
			ExcludeParams(append(
				slices.Clone(config.ParamsSet),
				ParamNumEpochs,
				ParamPlots,
				ParamNumCheckpoints,
			)...).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			Done())
	}

	// Load the data and record the classes in the model hyperparameters.
	imageSize := context.GetParamOr(ctx, models.ParamImageSize, dataset.DefaultImageSize)
	collection := must.M1(dataset.Load(dataDir, dataset.Config{ImageSize: imageSize, Verbose: config.Verbose}))
	klog.Infof("Dataset: %s", collection)
	if previous := context.GetParamOr(ctx, models.ParamClassNames, []string(nil)); len(previous) > 0 &&
		!slices.Equal(previous, collection.ClassNames) {
		exceptions.Panicf("checkpoint was trained with classes %q, but %q has classes %q",
			previous, dataDir, collection.ClassNames)
	}
	ctx.SetParam(models.ParamClassNames, collection.ClassNames)
	ctx.SetParam(models.ParamNumClasses, len(collection.ClassNames))

	modelType := context.GetParamOr(ctx, models.ParamModel, "simple")
	modelFn := must.M1(models.SelectModelFn(ctx))
	klog.Infof("Model: %q", modelType)

	// Datasets.
	seed := int64(context.GetParamOr(ctx, ParamSplitSeed, 42))
	trainPart, validationPart := must.M2(collection.Split(context.GetParamOr(ctx, ParamValidationFraction, 0.2), seed))
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 32)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, batchSize)
	augmentation := AugmentationFromContext(ctx)
	trainDS := dataset.NewDataset("Train", trainPart, batchSize, false,
		rand.New(rand.NewSource(seed)), augmentation, dtypes.Float32)
	trainEvalDS := dataset.NewDataset("Train", trainPart, evalBatchSize, false, nil, dataset.Augmentation{}, dtypes.Float32)
	var validationDS *dataset.Dataset
	var evalDatasets []train.Dataset
	if validationPart.Len() > 0 {
		validationDS = dataset.NewDataset("Validation", validationPart, evalBatchSize, false, nil,
			dataset.Augmentation{}, dtypes.Float32)
		evalDatasets = append(evalDatasets, validationDS)
	}
	// Only the deep model uses batch normalization.
	var batchNormDS train.Dataset
	if modelType == "deep" {
		batchNormDS = trainEvalDS
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	backend := config.Backend
	if backend == nil {
		backend = backends.MustNew()
	}
	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	loop := train.NewLoop(trainer)
	if config.Verbose {
		commandline.AttachProgressBar(loop)
	}

	history := NewHistory(1024, 400)
	withPlots := checkpoint != nil && context.GetParamOr(ctx, ParamPlots, false)
	if withPlots {
		history = must.M1(history.WithFile(filepath.Join(checkpoint.Dir(), plots.TrainingPlotFileName)))
	}

	// One epoch at a time, evaluating on the validation split after each.
	stepsPerEpoch := (trainPart.Len() + batchSize - 1) / batchSize
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 10)
	epoch := globalStep / stepsPerEpoch
	if epoch >= numEpochs {
		klog.Infof("Target %s=%d already reached (global_step=%d): to train further, increase it.",
			ParamNumEpochs, numEpochs, globalStep)
	}
	for ; epoch < numEpochs; epoch++ {
		trainMetrics := must.M1(loop.RunEpochs(trainDS, 1))
		must.M(plots.AddTrainAndEvalMetrics(history, loop, trainMetrics, evalDatasets, batchNormDS))
		klog.Infof("Epoch %d/%d (global_step=%d): %s", epoch+1, numEpochs,
			trainer.GlobalStep(), epochSummary(history, trainer, validationDS))
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	}
	if checkpoint != nil {
		// Makes sure the class names are saved, even if no training happened.
		must.M(checkpoint.Save())
	}

	result := &Result{
		ClassNames:         collection.ClassNames,
		ClassCounts:        collection.ClassCounts(),
		NumTrain:           trainPart.Len(),
		NumValidation:      validationPart.Len(),
		Epochs:             epoch,
		GlobalStep:         optimizers.GetGlobalStep(ctx),
		ValidationLoss:     math.NaN(),
		ValidationAccuracy: math.NaN(),
	}
	if validationDS != nil {
		for ii, desc := range trainer.EvalMetrics() {
			if value, found := history.Last(evalMetricName(desc, validationDS)); found {
				if ii == 0 {
					result.ValidationLoss = value
				} else if desc.Name() == meanAccuracyMetric.Name() {
					result.ValidationAccuracy = value
				}
			}
		}
	}
	must.M(history.Close())
	if checkpoint != nil {
		result.CheckpointDir = checkpoint.Dir()
		if withPlots {
			result.PlotFiles = must.M1(history.SaveSVGs(checkpoint.Dir()))
		}
	}

	if config.Eval {
		fmt.Println()
		datasets := []train.Dataset{trainEvalDS}
		if validationDS != nil {
			datasets = append(datasets, validationDS)
		}
		must.M(commandline.ReportEval(trainer, datasets...))
		fmt.Println()
	}
	return result
}

// evalMetricName is the name given by plots.AddTrainAndEvalMetrics to an evaluation metric.
func evalMetricName(desc metrics.Interface, ds train.Dataset) string {
	return fmt.Sprintf("%s on %s", desc.Name(), ds.Name())
}

func epochSummary(history *History, trainer *train.Trainer, validationDS train.Dataset) string {
	var parts []string
	for _, desc := range trainer.TrainMetrics() {
		if value, found := history.Last("Train: " + desc.Name()); found {
			parts = append(parts, fmt.Sprintf("%s=%.4f", desc.ShortName(), value))
		}
	}
	if validationDS != nil {
		for _, desc := range trainer.EvalMetrics() {
			if value, found := history.Last(evalMetricName(desc, validationDS)); found {
				parts = append(parts, fmt.Sprintf("val_%s=%.4f", desc.ShortName(), value))
			}
		}
	}
	return strings.Join(parts, ", ")
}
