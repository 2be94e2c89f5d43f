// Package models defines core data structures for images, embeddings, sessions, and pipeline errors.
package models

import (
	"fmt"
	"image"
	"strings"
)

// ImageInput is one image handed to the vision pipeline. Either Image is set
// (already decoded) or Data holds the encoded bytes to decode.
type ImageInput struct {
	Name  string      `json:"name,omitempty"`
	Data  []byte      `json:"-"`
	Image image.Image `json:"-"`
}

// PatchFeatureSet is the backbone output after layer norm: Tokens[0] is the
// class token, Tokens[1:] are patch tokens in raster order.
type PatchFeatureSet struct {
	Tokens [][]float32
	Dim    int
}

// PatchCount returns the number of patch tokens (excluding the class token).
func (p *PatchFeatureSet) PatchCount() int {
	if len(p.Tokens) == 0 {
		return 0
	}
	return len(p.Tokens) - 1
}

// ProjectedEmbedding is a token sequence in language-model width. The last
// Padded vectors come from zero padding.
type ProjectedEmbedding struct {
	Vectors [][]float32
	Dim     int
	Padded  int
}

// Len returns the sequence length.
func (e *ProjectedEmbedding) Len() int {
	return len(e.Vectors)
}

// Shape returns the batch-major shape (1, length, dim).
func (e *ProjectedEmbedding) Shape() []int {
	return []int{1, len(e.Vectors), e.Dim}
}

// ShapeString formats a shape as "(1, 49, 4096)".
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ProcessOutput is what the orchestrator returns for one image.
type ProcessOutput struct {
	Embeddings    *ProjectedEmbedding
	AttentionMask []int64
	Width         int
	Height        int
}
