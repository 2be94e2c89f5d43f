//go:build !cgo
// +build !cgo

package vision

import (
	"errors"

	"github.com/hyperjump/medvision/internal/imaging"
)

// ONNXOptions configures an exported ViT graph.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	ImageSize   int
	PatchSize   int
	Hidden      int
	UseCUDA     bool
}

// ONNXBackbone stub type when built without CGO (see onnx.go for real implementation).
type ONNXBackbone struct{}

// NewONNXBackbone returns an error when built without CGO (ONNX not available).
func NewONNXBackbone(_ ONNXOptions) (*ONNXBackbone, error) {
	return nil, errors.New("ONNX backbone requires CGO; build with CGO_ENABLED=1 and onnxruntime")
}

// Forward implements Backbone.
func (b *ONNXBackbone) Forward(_ *imaging.Tensor) ([][]float32, error) {
	return nil, ErrClosed
}

// HiddenSize implements Backbone.
func (b *ONNXBackbone) HiddenSize() int { return 0 }

// Close implements Backbone.
func (b *ONNXBackbone) Close() error { return nil }
