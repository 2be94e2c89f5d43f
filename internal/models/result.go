package models

// ImageResult is the per-image record aggregated into the vision context.
type ImageResult struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Shape   []int  `json:"shape,omitempty"`
	Padded  int    `json:"padded_tokens,omitempty"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProcessedImage pairs a successfully processed input with its pipeline output.
// The embeddings are meant to be consumed once by the caller and dropped.
type ProcessedImage struct {
	Input  *ImageInput
	Output *ProcessOutput
}

// BatchResult is the outcome of processing an ordered list of images.
type BatchResult struct {
	Processed []*ProcessedImage `json:"-"`
	Results   []*ImageResult    `json:"images"`
	Context   string            `json:"vision_context"`
}
