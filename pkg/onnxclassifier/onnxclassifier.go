// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxclassifier serves a road image classifier exported to ONNX (for instance a Keras model
// converted with tf2onnx) with ONNX Runtime. It implements the same classifier.Predictor interface
// as the GoMLX classifier.
//
// The model comes with a JSON metadata file describing its input and output:
//
//	{
//	  "input_shape": [1, 128, 128, 3],
//	  "output_shape": [1, 3],
//	  "classes": ["normal", "pothole", "random"],
//	  "image_size": 128,
//	  "channel_order": "bgr"
//	}
//
// Models trained on images read with OpenCV, like the Keras one, expect "bgr". It defaults to "rgb".
package onnxclassifier

import (
	"encoding/json"
	"image"
	"math"
	"os"
	"slices"
	"sync"

	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Metadata describes the exported model.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`

	// InputName and OutputName of the graph nodes. Default to "input" and "output".
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`

	// ChannelsFirst is set if the input is shaped [1, 3, height, width] instead of [1, height, width, 3].
	ChannelsFirst bool `json:"channels_first,omitempty"`

	// Logits is set if the model outputs logits, in which case softmax is applied to them.
	Logits bool `json:"logits,omitempty"`

	// ChannelOrder is either "rgb" (default) or "bgr".
	ChannelOrder string `json:"channel_order,omitempty"`
}

// LoadMetadata reads and validates the metadata file.
func LoadMetadata(metadataPath string) (*Metadata, error) {
	contents, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata %q", metadataPath)
	}
	var metadata Metadata
	if err = json.Unmarshal(contents, &metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to parse metadata %q", metadataPath)
	}
	if err = metadata.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid metadata %q", metadataPath)
	}
	return &metadata, nil
}

func (m *Metadata) validate() error {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	switch m.ChannelOrder {
	case "":
		m.ChannelOrder = "rgb"
	case "rgb", "bgr":
	default:
		return errors.Errorf("invalid channel_order %q, expected \"rgb\" or \"bgr\"", m.ChannelOrder)
	}
	if len(m.Classes) < 2 {
		return errors.Errorf("at least 2 classes required, got %q", m.Classes)
	}
	if m.ImageSize <= 0 {
		return errors.Errorf("invalid image_size %d", m.ImageSize)
	}
	want := []int64{1, int64(m.ImageSize), int64(m.ImageSize), 3}
	if m.ChannelsFirst {
		want = []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
	}
	if !slices.Equal(m.InputShape, want) {
		return errors.Errorf("input_shape %v doesn't match image_size %d, expected %v", m.InputShape, m.ImageSize, want)
	}
	if !slices.Equal(m.OutputShape, []int64{1, int64(len(m.Classes))}) {
		return errors.Errorf("output_shape %v doesn't match the %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// ImageToInput resizes img and converts it to the flat input expected by the model, with values in [0, 1].
func (m *Metadata) ImageToInput(img image.Image) []float32 {
	size := m.ImageSize
	resized := dataset.Preprocess(img, size, size)
	input := make([]float32, 3*size*size)
	channels := [3]int{0, 1, 2}
	if m.ChannelOrder == "bgr" {
		channels = [3]int{2, 1, 0}
	}
	for y := range size {
		row := resized.Pix[y*resized.Stride:]
		for x := range size {
			for c, src := range channels {
				v := float32(row[4*x+src]) / 255
				if m.ChannelsFirst {
					input[c*size*size+y*size+x] = v
				} else {
					input[(y*size+x)*3+c] = v
				}
			}
		}
	}
	return input
}

// Softmax converts logits to probabilities.
func Softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	probabilities := make([]float64, len(logits))
	for ii, l := range logits {
		probabilities[ii] = math.Exp(l - lse)
	}
	return probabilities
}

// Classifier runs an ONNX model with ONNX Runtime. It is safe for concurrent use.
type Classifier struct {
	Metadata *Metadata

	mu           sync.Mutex
	acquired     bool
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var _ classifier.Predictor = (*Classifier)(nil)

var (
	muEnvironment  sync.Mutex
	numEnvironment int
)

type options struct {
	sharedLibraryPath string
}

// Option configures New.
type Option func(o *options)

// WithSharedLibrary sets the location of the ONNX Runtime shared library. It only takes effect
// when the environment is initialized, that is, when no other Classifier is open.
// An empty path keeps the library default.
func WithSharedLibrary(path string) Option {
	return func(o *options) { o.sharedLibraryPath = path }
}

// New loads the ONNX model at modelPath, described by the metadata at metadataPath.
func New(modelPath, metadataPath string, opts ...Option) (*Classifier, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if err = acquireEnvironment(o.sharedLibraryPath); err != nil {
		return nil, err
	}
	c := &Classifier{Metadata: metadata, acquired: true}
	c.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to create input tensor")
	}
	c.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}
	c.session, err = ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{c.inputTensor}, []ort.ArbitraryTensor{c.outputTensor},
		nil)
	if err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "failed to create ONNX session for %q", modelPath)
	}
	klog.V(1).Infof("Loaded ONNX model %q: classes %q", modelPath, metadata.Classes)
	return c, nil
}

func acquireEnvironment(sharedLibraryPath string) error {
	muEnvironment.Lock()
	defer muEnvironment.Unlock()
	if numEnvironment == 0 {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "failed to initialize ONNX Runtime environment")
		}
	}
	numEnvironment++
	return nil
}

func releaseEnvironment() {
	muEnvironment.Lock()
	defer muEnvironment.Unlock()
	numEnvironment--
	if numEnvironment == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			klog.Warningf("Failed to destroy ONNX Runtime environment: %v", err)
		}
	}
}

// ClassNames implements classifier.Predictor.
func (c *Classifier) ClassNames() []string { return slices.Clone(c.Metadata.Classes) }

// Predict implements classifier.Predictor.
func (c *Classifier) Predict(img image.Image) (*classifier.Prediction, error) {
	input := c.Metadata.ImageToInput(img)

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return nil, errors.New("onnx classifier already closed")
	}
	copy(c.inputTensor.GetData(), input)
	if err := c.session.Run(); err != nil {
		c.mu.Unlock()
		return nil, errors.Wrap(err, "inference failed")
	}
	output := c.outputTensor.GetData()
	values := make([]float64, len(output))
	for ii, v := range output {
		values[ii] = float64(v)
	}
	c.mu.Unlock()

	if c.Metadata.Logits {
		values = Softmax(values)
	}
	return classifier.NewPrediction(values, c.Metadata.Classes)
}

// Close releases the ONNX Runtime resources. The Classifier can't be used afterward.
// Calling it more than once is a no-op.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return
	}
	// The session uses the tensors, so it goes first.
	if c.session != nil {
		_ = c.session.Destroy()
		c.session = nil
	}
	if c.inputTensor != nil {
		_ = c.inputTensor.Destroy()
		c.inputTensor = nil
	}
	if c.outputTensor != nil {
		_ = c.outputTensor.Destroy()
		c.outputTensor = nil
	}
	c.acquired = false
	releaseEnvironment()
}
