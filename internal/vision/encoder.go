package vision

import (
	"errors"
	"fmt"
	"image"

	"github.com/hyperjump/medvision/internal/imaging"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/pkg/utils"
)

// Encoder runs preprocessing, the backbone and the vision layer norm.
type Encoder struct {
	pre      *imaging.Preprocessor
	backbone Backbone
	norm     *LayerNorm
	grid     int
}

// NewEncoder wires a preprocessor, a backbone and a layer norm of matching width.
func NewEncoder(pre *imaging.Preprocessor, backbone Backbone, norm *LayerNorm) (*Encoder, error) {
	if pre == nil || backbone == nil || norm == nil {
		return nil, errors.New("encoder requires a preprocessor, backbone and layer norm")
	}
	if norm.Width() != backbone.HiddenSize() {
		return nil, fmt.Errorf("layer norm width %d does not match backbone hidden size %d",
			norm.Width(), backbone.HiddenSize())
	}
	return &Encoder{pre: pre, backbone: backbone, norm: norm, grid: pre.Recipe().GridSize()}, nil
}

// HiddenSize returns the width of the produced features.
func (e *Encoder) HiddenSize() int {
	return e.backbone.HiddenSize()
}

// GridSize returns the number of patches per side.
func (e *Encoder) GridSize() int {
	return e.grid
}

// Encode produces grid²+1 normalized feature vectors for img.
func (e *Encoder) Encode(img image.Image) (*models.PatchFeatureSet, error) {
	tensor, err := e.pre.Preprocess(img)
	if err != nil {
		return nil, &models.PreprocessingError{Err: err}
	}
	hidden, err := e.backbone.Forward(tensor)
	if err != nil {
		return nil, &models.EncodingError{Err: err}
	}

	want := e.grid*e.grid + 1
	if len(hidden) != want {
		return nil, &models.EncodingError{Err: fmt.Errorf("backbone returned %d tokens, want %d", len(hidden), want)}
	}
	width := e.backbone.HiddenSize()
	tokens := make([][]float32, len(hidden))
	for i, h := range hidden {
		if len(h) != width {
			return nil, &models.EncodingError{Err: fmt.Errorf("token %d has width %d, want %d", i, len(h), width)}
		}
		if !utils.AllFinite(h) {
			return nil, &models.EncodingError{Err: fmt.Errorf("token %d contains non-finite values", i)}
		}
		tokens[i] = e.norm.Apply(h)
	}
	return &models.PatchFeatureSet{Tokens: tokens, Dim: width}, nil
}

// Close releases the backbone.
func (e *Encoder) Close() error {
	return e.backbone.Close()
}

// DecodeInput returns the decoded image of in, decoding Data when Image is
// unset. Encoded images above maxPixels are rejected (0 disables the limit).
func DecodeInput(in *models.ImageInput, maxPixels int64) (image.Image, error) {
	if in == nil {
		return nil, &models.PreprocessingError{Err: imaging.ErrEmptyImage}
	}
	if in.Image != nil {
		return in.Image, nil
	}
	img, _, err := imaging.Decode(in.Data, maxPixels)
	if err != nil {
		return nil, &models.PreprocessingError{Err: err}
	}
	return img, nil
}
