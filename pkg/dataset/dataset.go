// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"image/color"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Augmentation configures random transformations applied to each yielded image.
// The zero value means no augmentation.
type Augmentation struct {
	// AngleStdDev is the standard deviation, in degrees, of a random rotation.
	AngleStdDev float64

	// FlipRandomly flips half of the images horizontally.
	FlipRandomly bool

	// ZoomMax zooms in by a random factor in [1, 1+ZoomMax].
	ZoomMax float64
}

// Enabled returns whether any augmentation is configured.
func (a Augmentation) Enabled() bool {
	return a.AngleStdDev > 0 || a.FlipRandomly || a.ZoomMax > 0
}

// Dataset implements train.Dataset over a Collection, so it can be used by a train.Loop to train or evaluate.
//
// It yields:
//
//   - inputs: one tensor with the images batch, shaped `[batch_size, height, width, 3]`, values in [0, 1].
//   - labels: one tensor with the class indices as int32, shaped `[batch_size, 1]`.
type Dataset struct {
	name       string
	collection *Collection
	batchSize  int
	infinite   bool

	augmentation Augmentation
	rng          *rand.Rand
	toTensor     *timage.ToTensorConfig

	// mu protects position, order, shuffle and rng.
	mu       sync.Mutex
	position int
	order    []int
	shuffle  *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a train.Dataset that yields batches of images from collection.
//
//   - batchSize: how many images are returned by each Yield call. For finite datasets the last batch may be smaller.
//   - infinite: if set it loops forever, never returning io.EOF. Typically used with `train.Loop.RunSteps()`.
//     Set this to false for evaluation datasets or if training with `train.Loop.RunEpochs()`.
//   - shuffle: if not nil, the order of the images is shuffled on every pass over the data.
//   - augmentation: random transformations of the images. Leave it as the zero value for evaluation.
//   - dtype: dtype of the images tensor, usually dtypes.Float32.
func NewDataset(name string, collection *Collection, batchSize int, infinite bool, shuffle *rand.Rand,
	augmentation Augmentation, dtype dtypes.DType) *Dataset {
	ds := &Dataset{
		name:         name,
		collection:   collection,
		batchSize:    batchSize,
		infinite:     infinite,
		augmentation: augmentation,
		rng:          rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
		toTensor:     timage.ToTensor(dtype),
		shuffle:      shuffle,
		order:        make([]int, collection.Len()),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.Reset()
	return ds
}

// WithAugmentationSeed makes the augmentation deterministic. Returns itself.
func (ds *Dataset) WithAugmentationSeed(seed int64) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewSource(seed))
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Collection returns the underlying image collection.
func (ds *Dataset) Collection() *Collection { return ds.collection }

// Reset implements train.Dataset. It restarts the Dataset from the beginning, reshuffling if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// YieldImages returns the next batch of (augmented) images and their labels.
// It returns io.EOF when a finite dataset is exhausted.
func (ds *Dataset) YieldImages() (images []image.Image, labels []int32, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	n := len(ds.order)
	if n == 0 {
		err = errors.Errorf("dataset %q is empty", ds.name)
		return
	}
	if ds.position >= n {
		if !ds.infinite {
			err = io.EOF
			return
		}
		ds.resetLocked()
	}
	batchSize := ds.batchSize
	if !ds.infinite && ds.position+batchSize > n {
		batchSize = n - ds.position
	}
	images = make([]image.Image, 0, batchSize)
	labels = make([]int32, 0, batchSize)
	for len(images) < batchSize {
		if ds.position >= n {
			// Only reached by infinite datasets: start a new pass.
			ds.resetLocked()
		}
		idx := ds.order[ds.position]
		ds.position++
		images = append(images, ds.augment(ds.collection.Images[idx]))
		labels = append(labels, int32(ds.collection.Examples[idx].Label))
	}
	return
}

// augment must be called with ds.mu locked, since it uses ds.rng.
func (ds *Dataset) augment(img *image.NRGBA) image.Image {
	aug := ds.augmentation
	if !aug.Enabled() {
		return img
	}
	size := img.Bounds().Size()
	var out image.Image = img
	if aug.ZoomMax > 0 {
		zoom := 1.0 + ds.rng.Float64()*aug.ZoomMax
		cropW, cropH := int(float64(size.X)/zoom), int(float64(size.Y)/zoom)
		out = imaging.Resize(imaging.CropCenter(out, cropW, cropH), size.X, size.Y, imaging.Linear)
	}
	if aug.AngleStdDev > 0 {
		rotated := imaging.Rotate(out, ds.rng.NormFloat64()*aug.AngleStdDev, color.Black)
		out = imaging.CropCenter(rotated, size.X, size.Y)
	}
	if aug.FlipRandomly && ds.rng.Intn(2) == 1 {
		out = imaging.FlipH(out)
	}
	return out
}

// Yield implements `train.Dataset`, returning the Dataset itself as the spec value.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	var images []image.Image
	var labelValues []int32
	images, labelValues, err = ds.YieldImages()
	if err != nil {
		return
	}
	labelsColumn := make([][]int32, len(labelValues))
	for ii, label := range labelValues {
		labelsColumn[ii] = []int32{label}
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromValue(labelsColumn)}
	return
}
