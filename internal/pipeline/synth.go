package pipeline

import (
	"math"
	"math/rand"
	"sort"

	"github.com/hyperjump/medvision/internal/checkpoint"
)

// WriteSyntheticCheckpoint writes a checkpoint with every tensor the native
// backend needs, filled with small deterministic values. It is meant for
// smoke tests of a deployment, not for real analysis.
func WriteSyntheticCheckpoint(path string, geom Geometry, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	shapes := geom.ExpectedShapes(true)
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)

	tensors := make(map[string]*checkpoint.Tensor, len(shapes))
	for _, name := range names {
		shape := shapes[name]
		n := checkpoint.NumElements(shape)
		data := make([]float32, n)
		switch name {
		case KeyLayerNormWeight:
			for i := range data {
				data[i] = 1
			}
		case KeyLayerNormBias:
		default:
			fanIn := n / shape[0]
			if len(shape) == 1 {
				fanIn = n
			}
			scale := float32(1 / math.Sqrt(float64(fanIn)))
			for i := range data {
				data[i] = (rng.Float32()*2 - 1) * scale
			}
		}
		tensors[name] = &checkpoint.Tensor{Shape: shape, Data: data}
	}
	return checkpoint.Save(path, tensors, map[string]string{"format": "pt", "synthetic": "true"})
}
