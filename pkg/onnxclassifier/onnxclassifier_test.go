// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onnxclassifier

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMetadata(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadMetadata(t *testing.T) {
	m, err := LoadMetadata(writeMetadata(t, `{
		"input_shape": [1, 4, 4, 3],
		"output_shape": [1, 3],
		"classes": ["normal", "pothole", "random"],
		"image_size": 4
	}`))
	require.NoError(t, err)
	assert.Equal(t, "input", m.InputName)
	assert.Equal(t, "output", m.OutputName)
	assert.Equal(t, "rgb", m.ChannelOrder)
	assert.Equal(t, []string{"normal", "pothole", "random"}, m.Classes)

	m, err = LoadMetadata(writeMetadata(t, `{
		"input_shape": [1, 3, 4, 4],
		"output_shape": [1, 2],
		"classes": ["normal", "pothole"],
		"image_size": 4,
		"input_name": "images",
		"channels_first": true,
		"channel_order": "bgr",
		"logits": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, "images", m.InputName)
	assert.Equal(t, "bgr", m.ChannelOrder)
	assert.True(t, m.ChannelsFirst)
	assert.True(t, m.Logits)

	for name, contents := range map[string]string{
		"bad json":        `{`,
		"one class":       `{"input_shape": [1, 4, 4, 3], "output_shape": [1, 1], "classes": ["a"], "image_size": 4}`,
		"input mismatch":  `{"input_shape": [1, 8, 8, 3], "output_shape": [1, 2], "classes": ["a", "b"], "image_size": 4}`,
		"output mismatch": `{"input_shape": [1, 4, 4, 3], "output_shape": [1, 3], "classes": ["a", "b"], "image_size": 4}`,
		"no image size":   `{"input_shape": [1, 4, 4, 3], "output_shape": [1, 2], "classes": ["a", "b"]}`,
		"channel order":   `{"input_shape": [1, 4, 4, 3], "output_shape": [1, 2], "classes": ["a", "b"], "image_size": 4, "channel_order": "grb"}`,
	} {
		_, err = LoadMetadata(writeMetadata(t, contents))
		assert.Error(t, err, name)
	}
	_, err = LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestImageToInput(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := range 2 {
		for x := range 2 {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	m := &Metadata{ImageSize: 2}
	input := m.ImageToInput(img)
	require.Len(t, input, 12)
	assert.InDelta(t, 1.0, input[0], 1e-6)
	assert.InDelta(t, 0.0, input[1], 1e-6)
	assert.InDelta(t, 0.2, input[2], 1e-6)

	m.ChannelsFirst = true
	input = m.ImageToInput(img)
	require.Len(t, input, 12)
	for ii := range 4 {
		assert.InDelta(t, 1.0, input[ii], 1e-6)
		assert.InDelta(t, 0.0, input[4+ii], 1e-6)
		assert.InDelta(t, 0.2, input[8+ii], 1e-6)
	}

	// Blue and red swapped.
	m = &Metadata{ImageSize: 2, ChannelOrder: "bgr"}
	input = m.ImageToInput(img)
	require.Len(t, input, 12)
	for ii := range 4 {
		assert.InDelta(t, 0.2, input[3*ii], 1e-6)
		assert.InDelta(t, 0.0, input[3*ii+1], 1e-6)
		assert.InDelta(t, 1.0, input[3*ii+2], 1e-6)
	}

	m.ChannelsFirst = true
	input = m.ImageToInput(img)
	for ii := range 4 {
		assert.InDelta(t, 0.2, input[ii], 1e-6)
		assert.InDelta(t, 1.0, input[8+ii], 1e-6)
	}
}

func TestClose(t *testing.T) {
	// Pretend another Classifier holds the environment, so it is never destroyed here.
	muEnvironment.Lock()
	numEnvironment = 2
	muEnvironment.Unlock()
	t.Cleanup(func() {
		muEnvironment.Lock()
		numEnvironment = 0
		muEnvironment.Unlock()
	})

	c := &Classifier{Metadata: &Metadata{Classes: []string{"a", "b"}, ImageSize: 2}, acquired: true}
	c.Close()
	c.Close()
	muEnvironment.Lock()
	assert.Equal(t, 1, numEnvironment)
	muEnvironment.Unlock()

	_, err := c.Predict(image.NewNRGBA(image.Rect(0, 0, 2, 2)))
	require.Error(t, err)
}

func TestWithSharedLibrary(t *testing.T) {
	var o options
	WithSharedLibrary("/opt/onnxruntime/lib/libonnxruntime.so")(&o)
	assert.Equal(t, "/opt/onnxruntime/lib/libonnxruntime.so", o.sharedLibraryPath)
}

func TestSoftmax(t *testing.T) {
	probabilities := Softmax([]float64{1, 1, 1, 1})
	for _, p := range probabilities {
		assert.InDelta(t, 0.25, p, 1e-9)
	}

	probabilities = Softmax([]float64{1000, 0})
	assert.InDelta(t, 1.0, probabilities[0], 1e-9)
	assert.InDelta(t, 0.0, probabilities[1], 1e-9)
}

// TestNew requires the ONNX Runtime shared library and an exported model, given by the environment
// variables ONNXRUNTIME_LIB, POTHOLES_ONNX_MODEL and POTHOLES_ONNX_METADATA.
func TestNew(t *testing.T) {
	libPath, modelPath, metadataPath := os.Getenv("ONNXRUNTIME_LIB"), os.Getenv("POTHOLES_ONNX_MODEL"),
		os.Getenv("POTHOLES_ONNX_METADATA")
	if libPath == "" || modelPath == "" || metadataPath == "" {
		t.Skip("ONNX Runtime or exported model not configured")
		return
	}
	c, err := New(modelPath, metadataPath, WithSharedLibrary(libPath))
	require.NoError(t, err)
	defer c.Close()
	pred, err := c.Predict(image.NewNRGBA(image.Rect(0, 0, 50, 40)))
	require.NoError(t, err)
	assert.Contains(t, c.ClassNames(), pred.Class)
}
