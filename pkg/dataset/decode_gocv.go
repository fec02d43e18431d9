// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build gocv

package dataset

import (
	"image"
	"io"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DecoderName identifies the image decoder compiled in.
const DecoderName = "gocv"

// DecodeImage reads and decodes the image file at path using OpenCV.
func DecodeImage(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer func() { _ = mat.Close() }()
	if mat.Empty() {
		return nil, errors.Errorf("failed to decode image %q", path)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert OpenCV image %q", path)
	}
	return img, nil
}

// Decode decodes an image from r using OpenCV.
func Decode(r io.Reader) (image.Image, error) {
	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image")
	}
	mat, err := gocv.IMDecode(contents, gocv.IMReadColor)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	defer func() { _ = mat.Close() }()
	if mat.Empty() {
		return nil, errors.New("failed to decode image")
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert OpenCV image")
	}
	return img, nil
}
