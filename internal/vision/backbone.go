// Package vision turns decoded images into normalized patch features.
package vision

import (
	"errors"

	"github.com/hyperjump/medvision/internal/imaging"
)

// ErrClosed is returned by a backbone used after Close.
var ErrClosed = errors.New("backbone is closed")

// Backbone is a frozen vision transformer. Forward returns the full
// hidden-state sequence for one preprocessed image: the class token first,
// then one token per patch in raster order.
type Backbone interface {
	Forward(t *imaging.Tensor) ([][]float32, error)
	HiddenSize() int
	Close() error
}
