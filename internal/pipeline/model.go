// Package pipeline owns the vision encoder and projection layer and turns one
// image into language-model embeddings plus an attention mask.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/checkpoint"
	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/imaging"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/projection"
	"github.com/hyperjump/medvision/internal/vision"
	"github.com/hyperjump/medvision/pkg/utils"
)

// ErrDeviceUnavailable is wrapped in a ModelLoadError when the requested
// device cannot serve the configured backend.
var ErrDeviceUnavailable = errors.New("device unavailable")

// ErrModelClosed is returned by Process after Close.
var ErrModelClosed = errors.New("model is closed")

// Processor turns one image into projected embeddings.
type Processor interface {
	Process(ctx context.Context, in *models.ImageInput) (*models.ProcessOutput, error)
	Info() Info
	Close() error
}

// Info describes a loaded model.
type Info struct {
	Backbone       string `json:"backbone"`
	Backend        string `json:"backend"`
	Device         string `json:"device"`
	Precision      string `json:"precision"`
	CheckpointPath string `json:"checkpoint_path"`
	ImageSize      int    `json:"image_size"`
	PatchSize      int    `json:"patch_size"`
	PatchTokens    int    `json:"patch_tokens"`
	VisionHidden   int    `json:"vision_hidden_size"`
	LLMHidden      int    `json:"llm_hidden_size"`
	MinTokens      int    `json:"min_patch_tokens"`
	MaskPadding    bool   `json:"mask_padding"`
	MaxPixels      int64  `json:"max_pixels"`
	// StemOnly is set when the backbone runs the ViT stem without transformer blocks.
	StemOnly bool `json:"stem_only"`
}

// Model is the orchestrator: one encoder and one projector bound to the same
// device. Calls are serialized.
type Model struct {
	encoder     *vision.Encoder
	projector   *projection.Projector
	maskPadding bool
	maxPixels   int64
	info        Info
	logger      *zap.Logger
	mu          sync.Mutex
	closed      bool
}

// NewModel loads the checkpoint and builds the encoder and projector. Any
// failure is returned as a *models.ModelLoadError and nothing is retained.
func NewModel(cfg *config.VisionConfig, logger *zap.Logger) (*Model, error) {
	logger = utils.OrNop(logger)
	path := cfg.CheckpointPath
	loadErr := func(err error) error {
		return &models.ModelLoadError{Path: path, Err: err}
	}

	backbone := cfg.Backbone
	if backbone == "" {
		backbone = config.DefaultBackbone
	}
	recipe, err := imaging.LookupRecipe(backbone)
	if err != nil {
		return nil, loadErr(err)
	}
	recipe = recipe.WithGeometry(cfg.ImageSize, cfg.PatchSize)
	geom := Geometry{
		ImageSize: recipe.ImageSize,
		PatchSize: recipe.PatchSize,
		Hidden:    cfg.VisionHiddenSize,
		LLMHidden: cfg.LLMHiddenSize,
	}
	if geom.Hidden <= 0 {
		geom.Hidden = recipe.Hidden
	}
	if geom.LLMHidden <= 0 || geom.PatchSize <= 0 || geom.ImageSize%geom.PatchSize != 0 {
		return nil, loadErr(fmt.Errorf("invalid geometry %+v", geom))
	}

	native := cfg.Backend != config.BackendONNX
	if native && cfg.Device == config.DeviceCUDA {
		return nil, loadErr(fmt.Errorf("%w: native backend runs on cpu only", ErrDeviceUnavailable))
	}
	if path == "" {
		return nil, loadErr(errors.New("no checkpoint path configured"))
	}

	tensors, err := loadTensors(path, geom, native, logger)
	if err != nil {
		return nil, loadErr(err)
	}
	for name, t := range tensors {
		if err := checkpoint.RoundToPrecision(t.Data, cfg.Precision); err != nil {
			return nil, loadErr(fmt.Errorf("tensor %s: %w", name, err))
		}
	}

	pre, err := imaging.NewPreprocessor(recipe)
	if err != nil {
		return nil, loadErr(err)
	}
	eps := cfg.LayerNormEps
	if eps <= 0 {
		eps = 1e-5
	}
	norm, err := vision.NewLayerNorm(tensors[KeyLayerNormWeight].Data, tensors[KeyLayerNormBias].Data, eps)
	if err != nil {
		return nil, loadErr(err)
	}
	projector, err := projection.New(tensors[KeyProjectionWeight].Data, tensors[KeyProjectionBias].Data,
		geom.Hidden, geom.LLMHidden, cfg.MinPatchTokens)
	if err != nil {
		return nil, loadErr(err)
	}

	var bb vision.Backbone
	if native {
		bb, err = vision.NewPatchEmbedBackbone(vision.PatchEmbedWeights{
			Weight:   tensors[KeyPatchWeight].Data,
			Bias:     tensors[KeyPatchBias].Data,
			Class:    tensors[KeyClassToken].Data,
			Position: tensors[KeyPositionEmbed].Data,
		}, geom.Hidden, geom.ImageSize, geom.PatchSize)
	} else {
		bb, err = vision.NewONNXBackbone(vision.ONNXOptions{
			ModelPath:   cfg.ONNXModelPath,
			LibraryPath: cfg.ONNXLibraryPath,
			InputName:   cfg.ONNXInputName,
			OutputName:  cfg.ONNXOutputName,
			ImageSize:   geom.ImageSize,
			PatchSize:   geom.PatchSize,
			Hidden:      geom.Hidden,
			UseCUDA:     cfg.Device == config.DeviceCUDA,
		})
	}
	if err != nil {
		if cfg.Device == config.DeviceCUDA {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil, loadErr(err)
	}

	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = config.DefaultMaxPixels
	}

	encoder, err := vision.NewEncoder(pre, bb, norm)
	if err != nil {
		_ = bb.Close()
		return nil, loadErr(err)
	}

	m := &Model{
		encoder:     encoder,
		projector:   projector,
		maskPadding: cfg.MaskPaddingOrDefault(),
		maxPixels:   maxPixels,
		logger:      logger,
		info: Info{
			Backbone:       backbone,
			Backend:        backendName(native),
			StemOnly:       native,
			Device:         deviceName(cfg.Device),
			Precision:      precisionName(cfg.Precision),
			CheckpointPath: path,
			ImageSize:      geom.ImageSize,
			PatchSize:      geom.PatchSize,
			PatchTokens:    geom.GridSize() * geom.GridSize(),
			VisionHidden:   geom.Hidden,
			LLMHidden:      geom.LLMHidden,
			MinTokens:      cfg.MinPatchTokens,
			MaskPadding:    cfg.MaskPaddingOrDefault(),
			MaxPixels:      maxPixels,
		},
	}
	if native {
		logger.Warn("Native backend runs the ViT stem only; use the onnx backend for pretrained encoder features")
	}
	logger.Info("Vision model loaded",
		zap.String("backbone", m.info.Backbone),
		zap.String("backend", m.info.Backend),
		zap.String("device", m.info.Device),
		zap.String("precision", m.info.Precision),
		zap.Int("patch_tokens", m.info.PatchTokens))
	return m, nil
}

// loadTensors reads and shape-checks every required tensor.
func loadTensors(path string, geom Geometry, native bool, logger *zap.Logger) (map[string]*checkpoint.Tensor, error) {
	ckpt, err := checkpoint.Open(path)
	if err != nil {
		return nil, err
	}
	defer ckpt.Close()

	expected := geom.ExpectedShapes(native)
	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string
	for _, name := range names {
		shape, ok := ckpt.Shape(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		if !checkpoint.ShapeEqual(shape, expected[name]) {
			return nil, fmt.Errorf("tensor %s has shape %v, want %v", name, shape, expected[name])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("checkpoint is missing %v", missing)
	}

	tensors := make(map[string]*checkpoint.Tensor, len(names))
	for _, name := range names {
		t, err := ckpt.Tensor(name)
		if err != nil {
			return nil, err
		}
		tensors[name] = t
	}

	ignored := len(ckpt.Names()) - len(names)
	logger.Debug("Checkpoint mapped",
		zap.String("path", path),
		zap.Int("loaded", len(names)),
		zap.Int("ignored", ignored))
	return tensors, nil
}

// Process runs one image through preprocess, encode, project and mask
// synthesis. Errors from the sub-components are returned unchanged. Once
// started, an image is processed to completion regardless of ctx.
func (m *Model) Process(ctx context.Context, in *models.ImageInput) (*models.ProcessOutput, error) {
	img, err := vision.DecodeInput(in, m.maxPixels)
	if err != nil {
		return nil, err
	}
	return m.ProcessImage(ctx, img)
}

// ProcessImage is Process for an already decoded image.
func (m *Model) ProcessImage(ctx context.Context, img image.Image) (*models.ProcessOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrModelClosed
	}

	feats, err := m.encoder.Encode(img)
	if err != nil {
		return nil, err
	}
	emb, err := m.projector.Project(feats)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &models.ProcessOutput{
		Embeddings:    emb,
		AttentionMask: attentionMask(emb.Len(), emb.Padded, m.maskPadding),
		Width:         b.Dx(),
		Height:        b.Dy(),
	}, nil
}

// attentionMask marks every token with 1, zeroing the padded tail when maskPadding is set.
func attentionMask(length, padded int, maskPadding bool) []int64 {
	mask := make([]int64, length)
	for i := range mask {
		mask[i] = 1
	}
	if maskPadding {
		for i := length - padded; i < length; i++ {
			mask[i] = 0
		}
	}
	return mask
}

// Info returns a description of the loaded model.
func (m *Model) Info() Info {
	return m.info
}

// Close releases the backbone. Further calls to Process fail.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.encoder.Close()
}

func backendName(native bool) string {
	if native {
		return config.BackendNative
	}
	return config.BackendONNX
}

func deviceName(d string) string {
	if d == "" {
		return config.DeviceCPU
	}
	return d
}

func precisionName(p string) string {
	if p == "" {
		return config.PrecisionFP32
	}
	return p
}
