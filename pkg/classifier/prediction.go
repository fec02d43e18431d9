// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/pkg/errors"
)

// ErrUnreadableImage is returned (wrapped) by PredictFile when the image can't be decoded.
var ErrUnreadableImage = errors.New("could not read image")

// Prediction is the classification of one image.
type Prediction struct {
	// ClassIndex is the index of Class in the classes of the model.
	ClassIndex int `json:"class_index"`

	// Class is the name of the predicted class.
	Class string `json:"class"`

	// Confidence is the probability of the predicted class, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Probabilities of every class, in the order of the model's class names.
	Probabilities []float64 `json:"probabilities,omitempty"`
}

// String renders the prediction as "<class_name> (<confidence>%)", with two decimals.
func (p *Prediction) String() string {
	return fmt.Sprintf("%s (%.2f%%)", p.Class, 100*p.Confidence)
}

// NewPrediction picks the class with the highest probability. Ties are resolved to the lowest index.
func NewPrediction(probabilities []float64, classNames []string) (*Prediction, error) {
	if len(probabilities) != len(classNames) {
		return nil, errors.Errorf("model returned %d probabilities, but it has %d classes",
			len(probabilities), len(classNames))
	}
	if len(probabilities) == 0 {
		return nil, errors.New("model has no classes")
	}
	best := 0
	for ii, p := range probabilities {
		if p > probabilities[best] {
			best = ii
		}
	}
	return &Prediction{
		ClassIndex:    best,
		Class:         classNames[best],
		Confidence:    probabilities[best],
		Probabilities: probabilities,
	}, nil
}

// Predictor classifies images.
type Predictor interface {
	// Predict classifies img. The image is resized as needed.
	Predict(img image.Image) (*Prediction, error)

	// ClassNames returns the names of the classes, in label order.
	ClassNames() []string
}

// PredictFile decodes the image at path and classifies it with p.
// If the image can't be read, the error wraps ErrUnreadableImage.
func PredictFile(p Predictor, path string) (*Prediction, error) {
	img, err := dataset.DecodeImage(path)
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadableImage, "%v", err)
	}
	return p.Predict(img)
}

// Penalized wraps a Predictor and lowers the reported confidence by a random whole percentage
// in [MinPercent, MaxPercent], clamped at 0. Probabilities are left untouched.
type Penalized struct {
	Predictor
	MinPercent, MaxPercent int

	mu  sync.Mutex
	rng *rand.Rand
}

// WithConfidencePenalty wraps p so the confidence of its predictions is lowered by a random
// percentage between minPercent and maxPercent, both inclusive. If rng is nil, one seeded with the current time is used.
func WithConfidencePenalty(p Predictor, minPercent, maxPercent int, rng *rand.Rand) (*Penalized, error) {
	if minPercent < 0 || maxPercent < minPercent || maxPercent > 100 {
		return nil, errors.Errorf("invalid confidence penalty range [%d, %d]", minPercent, maxPercent)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	}
	return &Penalized{Predictor: p, MinPercent: minPercent, MaxPercent: maxPercent, rng: rng}, nil
}

// Predict implements Predictor.
func (p *Penalized) Predict(img image.Image) (*Prediction, error) {
	pred, err := p.Predictor.Predict(img)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	penalty := p.MinPercent + p.rng.Intn(p.MaxPercent-p.MinPercent+1)
	p.mu.Unlock()
	pred.Confidence = max(pred.Confidence-float64(penalty)/100, 0)
	return pred, nil
}
