// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagetest creates small synthetic image folders for tests.
package imagetest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// ClassColor returns a deterministic base color for the class with the given index.
func ClassColor(classIdx int) color.NRGBA {
	palette := []color.NRGBA{
		{R: 200, G: 40, B: 40, A: 255},
		{R: 40, G: 200, B: 40, A: 255},
		{R: 40, G: 40, B: 200, A: 255},
		{R: 180, G: 180, B: 40, A: 255},
	}
	return palette[classIdx%len(palette)]
}

// Gradient creates a width x height image with base color c plus a horizontal gradient of the
// given strength, so that images are not constant.
func Gradient(width, height int, c color.NRGBA, strength int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			delta := strength * x / max(width-1, 1)
			img.SetNRGBA(x, y, color.NRGBA{
				R: clip(int(c.R) + delta - strength/2),
				G: clip(int(c.G) + delta - strength/2),
				B: clip(int(c.B) + delta - strength/2),
				A: 255,
			})
		}
	}
	return img
}

func clip(v int) uint8 {
	return uint8(min(max(v, 0), 255))
}

// WriteClassFolders creates one sub-directory of root per class name, each with counts[ii] PNG
// images of size x size. Class ii images are based on ClassColor(ii).
// It returns the paths of the images created, in class then file-name order.
func WriteClassFolders(t testing.TB, root string, classes []string, counts []int, size int) []string {
	t.Helper()
	var paths []string
	for classIdx, className := range classes {
		dir := filepath.Join(root, className)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for ii := range counts[classIdx] {
			img := Gradient(size, size, ClassColor(classIdx), 10*(ii+1))
			p := filepath.Join(dir, fmt.Sprintf("img_%03d.png", ii))
			require.NoError(t, imaging.Save(img, p))
			paths = append(paths, p)
		}
	}
	return paths
}

// WriteBrokenFile writes a file with a image extension but no valid content.
func WriteBrokenFile(t testing.TB, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("this is not an image"), 0644))
}

// EncodeJPEG returns img encoded as JPEG, as a phone camera would upload it.
func EncodeJPEG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}
