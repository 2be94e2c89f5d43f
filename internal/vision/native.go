package vision

import (
	"fmt"
	"sync"

	"github.com/hyperjump/medvision/internal/imaging"
)

// PatchEmbedWeights are the parameters of a ViT stem.
type PatchEmbedWeights struct {
	// Weight is the patch convolution kernel laid out [H, 3, P, P].
	Weight []float32
	Bias   []float32
	// Class is the class token [H].
	Class []float32
	// Position holds grid²+1 position embeddings of width H, flattened.
	Position []float32
}

// PatchEmbedBackbone is a pure-Go ViT stem only: each non-overlapping patch is
// flattened and mapped through the patch kernel, then class and position
// embeddings are added. It runs no transformer blocks, so its tokens are the
// stem's input embeddings, not the hidden states of a pretrained CLIP/EVA
// encoder. Use the onnx backend with an exported graph for real backbone
// inference.
type PatchEmbedBackbone struct {
	w      PatchEmbedWeights
	hidden int
	patch  int
	grid   int
	closed bool
	mu     sync.RWMutex
}

// NewPatchEmbedBackbone validates weight shapes for the given geometry.
func NewPatchEmbedBackbone(w PatchEmbedWeights, hidden, imageSize, patchSize int) (*PatchEmbedBackbone, error) {
	if hidden <= 0 || patchSize <= 0 || imageSize%patchSize != 0 {
		return nil, fmt.Errorf("invalid geometry hidden=%d image=%d patch=%d", hidden, imageSize, patchSize)
	}
	grid := imageSize / patchSize
	kernel := 3 * patchSize * patchSize
	checks := []struct {
		name string
		got  int
		want int
	}{
		{"patch weight", len(w.Weight), hidden * kernel},
		{"patch bias", len(w.Bias), hidden},
		{"class token", len(w.Class), hidden},
		{"position embedding", len(w.Position), (grid*grid + 1) * hidden},
	}
	for _, c := range checks {
		if c.got != c.want {
			return nil, fmt.Errorf("%s has %d values, want %d", c.name, c.got, c.want)
		}
	}
	return &PatchEmbedBackbone{w: w, hidden: hidden, patch: patchSize, grid: grid}, nil
}

// Forward implements Backbone.
func (b *PatchEmbedBackbone) Forward(t *imaging.Tensor) ([][]float32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	size := b.grid * b.patch
	if t == nil || t.Channels != 3 || t.Height != size || t.Width != size {
		return nil, fmt.Errorf("input tensor does not match %dx%d RGB", size, size)
	}

	h := b.hidden
	p := b.patch
	kernel := 3 * p * p
	tokens := make([][]float32, 0, b.grid*b.grid+1)

	cls := make([]float32, h)
	for i := range cls {
		cls[i] = b.w.Class[i] + b.w.Position[i]
	}
	tokens = append(tokens, cls)

	flat := make([]float32, kernel)
	for gy := 0; gy < b.grid; gy++ {
		for gx := 0; gx < b.grid; gx++ {
			k := 0
			for c := 0; c < 3; c++ {
				for ky := 0; ky < p; ky++ {
					for kx := 0; kx < p; kx++ {
						flat[k] = t.At(c, gy*p+ky, gx*p+kx)
						k++
					}
				}
			}
			pos := (1 + gy*b.grid + gx) * h
			tok := make([]float32, h)
			for o := 0; o < h; o++ {
				row := b.w.Weight[o*kernel : (o+1)*kernel]
				var sum float32
				for i, v := range flat {
					sum += row[i] * v
				}
				tok[o] = sum + b.w.Bias[o] + b.w.Position[pos+o]
			}
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// HiddenSize implements Backbone.
func (b *PatchEmbedBackbone) HiddenSize() int {
	return b.hidden
}

// Close implements Backbone.
func (b *PatchEmbedBackbone) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
