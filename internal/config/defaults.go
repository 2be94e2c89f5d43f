package config

// Vision backends.
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// Compute devices.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Weight precisions.
const (
	PrecisionFP32 = "fp32"
	PrecisionFP16 = "fp16"
	PrecisionBF16 = "bf16"
)

// Report providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// DefaultTemplateName is the prompt template used when a request names an unknown one.
const DefaultTemplateName = "General Medical Analysis"

// DefaultMaxPixels is the decoded-size limit for uploaded images, about
// 89 megapixels.
const DefaultMaxPixels int64 = 1024 * 1024 * 1024 / 4 / 3

// DefaultBackbone is the backbone recipe used when none is configured.
const DefaultBackbone = "openai/clip-vit-base-patch32"

// DefaultPrompts are the system prompt templates used when the config defines none.
// "{language}" is replaced with the requested report language.
var DefaultPrompts = map[string]string{
	DefaultTemplateName: "You are an experienced physician assisting with the analysis of medical images. " +
		"Write a structured, cautious report in {language} with the sections Findings, Impression and Recommendations. " +
		"State clearly when image analysis was unavailable for an image.",
	"Radiology Report": "You are a board-certified radiologist. Draft a radiology report in {language} " +
		"with Technique, Findings and Impression sections. Do not invent measurements that are not supported by the context.",
	"Dermatology Assessment": "You are a dermatologist. Describe the lesion characteristics in {language}, " +
		"list differential diagnoses and recommend follow-up.",
}

type recipeGeometry struct {
	imageSize, patchSize, hidden int
}

var backboneGeometry = map[string]recipeGeometry{
	"openai/clip-vit-base-patch32": {224, 32, 768},
	"eva-clip-g-14":                {448, 14, 1408},
	"google/vit-base-patch16-224":  {224, 16, 768},
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if cfg.Server.TimeoutSeconds == 0 {
		cfg.Server.TimeoutSeconds = 300
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/medvision/data/db/sessions.db"
	}
	if cfg.Storage.SessionsDir == "" {
		cfg.Storage.SessionsDir = "/usr/local/var/medvision/data/sessions"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/medvision/data/indices/sessions.bleve"
	}

	v := &cfg.Vision
	if v.Backbone == "" {
		v.Backbone = DefaultBackbone
	}
	geo, known := backboneGeometry[v.Backbone]
	if !known {
		geo = backboneGeometry[DefaultBackbone]
	}
	if v.Backend == "" {
		v.Backend = BackendNative
	}
	if v.CheckpointPath == "" {
		v.CheckpointPath = "/usr/local/var/medvision/data/checkpoints/minigpt-med.safetensors"
	}
	if v.ONNXInputName == "" {
		v.ONNXInputName = "pixel_values"
	}
	if v.ONNXOutputName == "" {
		v.ONNXOutputName = "last_hidden_state"
	}
	if v.Device == "" {
		v.Device = DeviceCPU
	}
	if v.Precision == "" {
		v.Precision = PrecisionFP32
	}
	if v.ImageSize == 0 {
		v.ImageSize = geo.imageSize
	}
	if v.PatchSize == 0 {
		v.PatchSize = geo.patchSize
	}
	if v.VisionHiddenSize == 0 {
		v.VisionHiddenSize = geo.hidden
	}
	if v.LLMHiddenSize == 0 {
		v.LLMHiddenSize = 4096
	}
	if v.MinPatchTokens == 0 {
		v.MinPatchTokens = 12
	}
	if v.LayerNormEps == 0 {
		v.LayerNormEps = 1e-5
	}
	if v.MaxPixels == 0 {
		v.MaxPixels = DefaultMaxPixels
	}
	if v.MaskPadding == nil {
		t := true
		v.MaskPadding = &t
	}

	if cfg.Batch.MaxImages == 0 {
		cfg.Batch.MaxImages = 16
	}

	r := &cfg.Report
	if r.Provider == "" {
		r.Provider = ProviderGemini
	}
	if r.BaseURL == "" && r.Provider == ProviderGemini {
		r.BaseURL = "https://generativelanguage.googleapis.com/"
	}
	if r.ModelID == "" {
		if r.Provider == ProviderOpenAI {
			r.ModelID = "gpt-4o-mini"
		} else {
			r.ModelID = "gemini-1.5-flash"
		}
	}
	if r.MaxOutputTokens == 0 {
		r.MaxOutputTokens = 2000
	}
	if r.TopP == 0 {
		r.TopP = 0.95
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 120
	}
	if r.DefaultTemplate == "" {
		r.DefaultTemplate = DefaultTemplateName
	}
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = make(map[string]string, len(DefaultPrompts))
		for k, p := range DefaultPrompts {
			cfg.Prompts[k] = p
		}
	}

	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".tif", ".webp"}
	}
}
