// Package projection maps vision patch features into the language-model
// embedding space.
package projection

import (
	"fmt"

	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/pkg/utils"
)

// DefaultMinTokens is the minimum projected sequence length.
const DefaultMinTokens = 12

// Projector is a single linear layer applied to each patch token.
type Projector struct {
	// weight is [out, in], row-major.
	weight    []float32
	bias      []float32
	in        int
	out       int
	minTokens int
}

// New validates a [out, in] weight and [out] bias.
func New(weight, bias []float32, in, out, minTokens int) (*Projector, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid projection dims in=%d out=%d", in, out)
	}
	if len(weight) != in*out {
		return nil, fmt.Errorf("projection weight has %d values, want %d", len(weight), in*out)
	}
	if len(bias) != out {
		return nil, fmt.Errorf("projection bias has %d values, want %d", len(bias), out)
	}
	if minTokens < 0 {
		return nil, fmt.Errorf("min tokens must not be negative, got %d", minTokens)
	}
	return &Projector{weight: weight, bias: bias, in: in, out: out, minTokens: minTokens}, nil
}

// InputSize returns the expected feature width.
func (p *Projector) InputSize() int { return p.in }

// OutputSize returns the projected width.
func (p *Projector) OutputSize() int { return p.out }

// MinTokens returns the padding threshold.
func (p *Projector) MinTokens() int { return p.minTokens }

// Project drops the class token, right-pads the patch tokens with zero
// vectors up to MinTokens and projects every token independently.
func (p *Projector) Project(feats *models.PatchFeatureSet) (*models.ProjectedEmbedding, error) {
	if feats == nil || len(feats.Tokens) == 0 {
		return nil, &models.ProjectionError{Got: 0, Want: p.in}
	}
	if feats.Dim != p.in {
		return nil, &models.ProjectionError{Got: feats.Dim, Want: p.in}
	}
	patches := feats.Tokens[1:]
	for _, tok := range patches {
		if len(tok) != p.in {
			return nil, &models.ProjectionError{Got: len(tok), Want: p.in}
		}
	}

	padded := 0
	if len(patches) < p.minTokens {
		padded = p.minTokens - len(patches)
	}
	vectors := make([][]float32, 0, len(patches)+padded)
	for _, tok := range patches {
		vectors = append(vectors, p.apply(tok))
	}
	if padded > 0 {
		zero := make([]float32, p.in)
		for i := 0; i < padded; i++ {
			vectors = append(vectors, p.apply(zero))
		}
	}
	return &models.ProjectedEmbedding{Vectors: vectors, Dim: p.out, Padded: padded}, nil
}

func (p *Projector) apply(x []float32) []float32 {
	y := make([]float32, p.out)
	for o := 0; o < p.out; o++ {
		y[o] = float32(utils.Dot(p.weight[o*p.in:(o+1)*p.in], x)) + p.bias[o]
	}
	return y
}
