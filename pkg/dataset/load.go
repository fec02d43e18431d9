// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/potholes/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DefaultImageSize is the width and height images are resized to, if not otherwise configured.
const DefaultImageSize = 128

// Config for Load.
type Config struct {
	// ImageSize is the width and height of the preprocessed images. Defaults to DefaultImageSize.
	ImageSize int

	// Parallelism is the number of images decoded concurrently. Defaults to runtime.NumCPU(), and -1 means unlimited.
	Parallelism int

	// Verbose displays a progress bar while loading.
	Verbose bool
}

// Collection is an in-memory labeled image collection, all images preprocessed to the same size.
type Collection struct {
	ClassNames []string
	Examples   []Example
	Images     []*image.NRGBA
	ImageSize  int
}

// Len returns the number of images in the collection.
func (c *Collection) Len() int { return len(c.Examples) }

// ClassCounts returns the number of images per class, indexed by label.
func (c *Collection) ClassCounts() []int {
	counts := make([]int, len(c.ClassNames))
	for _, e := range c.Examples {
		counts[e.Label]++
	}
	return counts
}

// String implements fmt.Stringer, with a short summary of the collection.
func (c *Collection) String() string {
	counts := c.ClassCounts()
	s := fmt.Sprintf("%s images of %dx%d", humanize.Comma(int64(c.Len())), c.ImageSize, c.ImageSize)
	for label, name := range c.ClassNames {
		s += fmt.Sprintf(", %s=%d", name, counts[label])
	}
	return s
}

// Preprocess resizes img to exactly width x height, with bilinear interpolation. The aspect ratio
// is not preserved.
func Preprocess(img image.Image, width, height int) *image.NRGBA {
	return imaging.Resize(img, width, height, imaging.Linear)
}

// LoadImage decodes the image at path and preprocesses it to size x size.
func LoadImage(path string, size int) (*image.NRGBA, error) {
	img, err := DecodeImage(path)
	if err != nil {
		return nil, err
	}
	return Preprocess(img, size, size), nil
}

// Load scans dir for class folders and loads all their images in memory, preprocessed to
// config.ImageSize.
//
// Images that fail to decode are skipped with a warning. It fails if dir can't be listed, if there
// are no class folders, or if not a single image could be read.
func Load(dir string, config Config) (*Collection, error) {
	if config.ImageSize <= 0 {
		config.ImageSize = DefaultImageSize
	}
	examples, classNames, err := Scan(dir)
	if err != nil {
		return nil, err
	}

	var pBar *progressbar.ProgressBar
	if config.Verbose {
		pBar = progressbar.NewOptions(len(examples),
			progressbar.OptionSetDescription("Loading images"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	// Each task writes only to the slot of the example it is processing, so order is kept.
	images := make([]*image.NRGBA, len(examples))
	workerspool.New(config.Parallelism).ForEach(len(examples), func(idx int) {
		img, err := LoadImage(examples[idx].Path, config.ImageSize)
		if err != nil {
			klog.Warningf("Skipped unreadable image: %s (%v)", examples[idx].Path, err)
		} else {
			images[idx] = img
		}
		if pBar != nil {
			_ = pBar.Add(1)
		}
	})
	if pBar != nil {
		_ = pBar.Close()
		fmt.Println()
	}

	c := &Collection{
		ClassNames: classNames,
		ImageSize:  config.ImageSize,
		Examples:   make([]Example, 0, len(examples)),
		Images:     make([]*image.NRGBA, 0, len(examples)),
	}
	for idx, img := range images {
		if img == nil {
			continue
		}
		c.Examples = append(c.Examples, examples[idx])
		c.Images = append(c.Images, img)
	}
	if c.Len() == 0 {
		return nil, errors.Errorf("no readable images found in %q (%d files tried)", dir, len(examples))
	}
	klog.V(1).Infof("Loaded %s from %q", c, dir)
	return c, nil
}

// Split shuffles the collection deterministically with seed and splits it in two:
// validation gets ceil(validationFraction * Len()) images, train gets the rest.
//
// Both parts share the class names of the original collection. The images themselves are not copied.
func (c *Collection) Split(validationFraction float64, seed int64) (trainPart, validationPart *Collection, err error) {
	if validationFraction < 0 || validationFraction >= 1 {
		err = errors.Errorf("validation fraction must be in the range [0, 1), got %g", validationFraction)
		return
	}
	n := c.Len()
	numValidation := int(math.Ceil(validationFraction * float64(n)))
	if numValidation >= n {
		err = errors.Errorf("validation fraction %g leaves no training images out of %d", validationFraction, n)
		return
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	validationPart = c.subset(perm[:numValidation])
	trainPart = c.subset(perm[numValidation:])
	return
}

func (c *Collection) subset(indices []int) *Collection {
	sub := &Collection{
		ClassNames: c.ClassNames,
		ImageSize:  c.ImageSize,
		Examples:   make([]Example, len(indices)),
		Images:     make([]*image.NRGBA, len(indices)),
	}
	for ii, idx := range indices {
		sub.Examples[ii] = c.Examples[idx]
		sub.Images[ii] = c.Images[idx]
	}
	return sub
}
