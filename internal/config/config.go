// Package config provides configuration loading and structs for the MedVision server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool              `yaml:"debug"`
	Server  ServerConfig      `yaml:"server"`
	Storage StorageConfig     `yaml:"storage"`
	Vision  VisionConfig      `yaml:"vision"`
	Batch   BatchConfig       `yaml:"batch"`
	Report  ReportConfig      `yaml:"report"`
	Prompts map[string]string `yaml:"prompts"`
	Watch   WatchConfig       `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxUploadMB    int    `yaml:"max_upload_mb"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig holds paths for the session database, image files and search index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	SessionsDir    string `yaml:"sessions_dir"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// VisionConfig holds the vision encoder and projection settings.
type VisionConfig struct {
	// Backbone selects the preprocessing recipe and default geometry.
	Backbone string `yaml:"backbone"`
	// Backend is "native" or "onnx". Native runs only the ViT stem (patch,
	// class and position embeddings, no transformer blocks) and suits smoke
	// tests and stem-only checkpoints; onnx runs a full exported encoder.
	Backend        string `yaml:"backend"`
	CheckpointPath string `yaml:"checkpoint_path"`
	ONNXModelPath  string `yaml:"onnx_model_path"`
	ONNXInputName  string `yaml:"onnx_input_name"`
	ONNXOutputName string `yaml:"onnx_output_name"`
	// ONNXLibraryPath overrides the onnxruntime shared library location.
	ONNXLibraryPath  string  `yaml:"onnx_library_path"`
	Device           string  `yaml:"device"`
	Precision        string  `yaml:"precision"`
	ImageSize        int     `yaml:"image_size"`
	PatchSize        int     `yaml:"patch_size"`
	VisionHiddenSize int     `yaml:"vision_hidden_size"`
	LLMHiddenSize    int     `yaml:"llm_hidden_size"`
	MinPatchTokens   int     `yaml:"min_patch_tokens"`
	LayerNormEps     float64 `yaml:"layer_norm_eps"`
	// MaskPadding zeroes the attention mask over padded tokens; defaults to true when unset.
	MaskPadding *bool `yaml:"mask_padding"`
	// MaxPixels rejects encoded images whose header declares more pixels.
	MaxPixels int64 `yaml:"max_pixels"`
}

// MaskPaddingOrDefault returns whether padded tokens are masked; defaults to true when unset.
func (v *VisionConfig) MaskPaddingOrDefault() bool {
	if v.MaskPadding != nil {
		return *v.MaskPadding
	}
	return true
}

// GridSize returns the number of patches per image side.
func (v *VisionConfig) GridSize() int {
	if v.PatchSize <= 0 {
		return 0
	}
	return v.ImageSize / v.PatchSize
}

// BatchConfig bounds the work done for one request.
type BatchConfig struct {
	MaxImages int `yaml:"max_images"`
}

// ReportConfig holds settings for the report-generation provider.
type ReportConfig struct {
	// Provider is "gemini" or "openai".
	Provider        string  `yaml:"provider"`
	BaseURL         string  `yaml:"base_url"`
	ModelID         string  `yaml:"model_id"`
	APIKey          string  `yaml:"api_key"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	TopP            float32 `yaml:"top_p"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	DefaultTemplate string  `yaml:"default_template"`
}

// WatchConfig holds inbox directory settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to false when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return false
}

// Load reads and parses the config file at path, expands paths, applies environment
// overrides and defaults, and validates the result.
// Returns an error if the file cannot be read or parsed, or if validation fails.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.SessionsDir = expandPath(cfg.Storage.SessionsDir, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Vision.CheckpointPath = expandPath(cfg.Vision.CheckpointPath, configDir)
	if cfg.Vision.ONNXModelPath != "" {
		cfg.Vision.ONNXModelPath = expandPath(cfg.Vision.ONNXModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides secrets and the checkpoint path from the environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("MEDVISION_CHECKPOINT"); v != "" {
		cfg.Vision.CheckpointPath = v
	}
	if cfg.Report.APIKey != "" {
		return
	}
	switch strings.ToLower(cfg.Report.Provider) {
	case "openai":
		cfg.Report.APIKey = os.Getenv("OPENAI_API_KEY")
	default:
		cfg.Report.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// Validate rejects vision and report settings that cannot work.
func Validate(cfg *Config) error {
	v := &cfg.Vision
	switch v.Backend {
	case BackendNative, BackendONNX:
	default:
		return fmt.Errorf("invalid config: unknown vision backend %q", v.Backend)
	}
	switch v.Device {
	case DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("invalid config: unknown device %q", v.Device)
	}
	switch v.Precision {
	case PrecisionFP32, PrecisionFP16, PrecisionBF16:
	default:
		return fmt.Errorf("invalid config: unknown precision %q", v.Precision)
	}
	if v.ImageSize <= 0 || v.PatchSize <= 0 {
		return fmt.Errorf("invalid config: image_size and patch_size must be positive")
	}
	if v.ImageSize%v.PatchSize != 0 {
		return fmt.Errorf("invalid config: image_size %d is not a multiple of patch_size %d", v.ImageSize, v.PatchSize)
	}
	if v.VisionHiddenSize <= 0 || v.LLMHiddenSize <= 0 {
		return fmt.Errorf("invalid config: hidden sizes must be positive")
	}
	if v.MaxPixels < 0 {
		return fmt.Errorf("invalid config: max_pixels must not be negative")
	}
	if v.MinPatchTokens < 0 {
		return fmt.Errorf("invalid config: min_patch_tokens must not be negative")
	}
	if v.Backend == BackendONNX && v.ONNXModelPath == "" {
		return fmt.Errorf("invalid config: onnx backend requires onnx_model_path")
	}
	switch cfg.Report.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid config: unknown report provider %q", cfg.Report.Provider)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
