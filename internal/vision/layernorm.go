package vision

import (
	"fmt"
	"math"

	"github.com/hyperjump/medvision/pkg/utils"
)

// LayerNorm is an affine layer normalization over the feature dimension.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float64
}

// NewLayerNorm checks that weight and bias have the same width.
func NewLayerNorm(weight, bias []float32, eps float64) (*LayerNorm, error) {
	if len(weight) == 0 || len(weight) != len(bias) {
		return nil, fmt.Errorf("layer norm weight/bias widths %d/%d", len(weight), len(bias))
	}
	if eps <= 0 {
		return nil, fmt.Errorf("layer norm eps must be positive, got %g", eps)
	}
	return &LayerNorm{Weight: weight, Bias: bias, Eps: eps}, nil
}

// Width returns the normalized feature width.
func (l *LayerNorm) Width() int {
	return len(l.Weight)
}

// Apply returns the normalized copy of x. len(x) must equal Width.
func (l *LayerNorm) Apply(x []float32) []float32 {
	mean, variance := utils.MeanVariance(x)
	inv := 1 / math.Sqrt(variance+l.Eps)
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32((float64(v)-mean)*inv)*l.Weight[i] + l.Bias[i]
	}
	return out
}
