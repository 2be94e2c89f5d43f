package pipeline

// Checkpoint tensor names.
const (
	KeyLayerNormWeight  = "ln_vision.weight"
	KeyLayerNormBias    = "ln_vision.bias"
	KeyProjectionWeight = "llama_proj.weight"
	KeyProjectionBias   = "llama_proj.bias"
	KeyPatchWeight      = "visual_encoder.patch_embed.proj.weight"
	KeyPatchBias        = "visual_encoder.patch_embed.proj.bias"
	KeyClassToken       = "visual_encoder.cls_token"
	KeyPositionEmbed    = "visual_encoder.pos_embed"
)

// Geometry is the set of dimensions a checkpoint must agree with.
type Geometry struct {
	ImageSize int
	PatchSize int
	Hidden    int
	LLMHidden int
}

// GridSize returns the number of patches per side.
func (g Geometry) GridSize() int {
	return g.ImageSize / g.PatchSize
}

// ExpectedShapes returns the required tensors and their shapes. Backbone
// tensors are only required by the native backend.
func (g Geometry) ExpectedShapes(native bool) map[string][]int {
	grid := g.GridSize()
	shapes := map[string][]int{
		KeyLayerNormWeight:  {g.Hidden},
		KeyLayerNormBias:    {g.Hidden},
		KeyProjectionWeight: {g.LLMHidden, g.Hidden},
		KeyProjectionBias:   {g.LLMHidden},
	}
	if native {
		shapes[KeyPatchWeight] = []int{g.Hidden, 3, g.PatchSize, g.PatchSize}
		shapes[KeyPatchBias] = []int{g.Hidden}
		shapes[KeyClassToken] = []int{1, 1, g.Hidden}
		shapes[KeyPositionEmbed] = []int{1, grid*grid + 1, g.Hidden}
	}
	return shapes
}
