//go:build cgo
// +build cgo

package vision

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/medvision/internal/imaging"
)

// ONNXOptions configures an exported ViT graph.
type ONNXOptions struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	ImageSize   int
	PatchSize   int
	Hidden      int
	UseCUDA     bool
}

// ONNXBackbone runs an exported vision transformer with ONNX Runtime. It
// requires CGO and the onnxruntime shared library.
type ONNXBackbone struct {
	session *ort.AdvancedSession
	hidden  int
	tokens  int
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXBackbone creates the session. The environment is initialized once per process.
func NewONNXBackbone(opts ONNXOptions) (*ONNXBackbone, error) {
	if opts.PatchSize <= 0 || opts.ImageSize%opts.PatchSize != 0 || opts.Hidden <= 0 {
		return nil, fmt.Errorf("invalid geometry image=%d patch=%d hidden=%d", opts.ImageSize, opts.PatchSize, opts.Hidden)
	}
	if !ort.IsInitialized() {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	grid := opts.ImageSize / opts.PatchSize
	tokens := grid*grid + 1
	size := int64(opts.ImageSize)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tensor: %w", opts.InputName, err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(tokens), int64(opts.Hidden)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create %s tensor: %w", opts.OutputName, err)
	}

	var sessionOpts *ort.SessionOptions
	if opts.UseCUDA {
		sessionOpts, err = cudaSessionOptions()
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, err
		}
		defer sessionOpts.Destroy()
	}

	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		sessionOpts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBackbone{
		session:      session,
		hidden:       opts.Hidden,
		tokens:       tokens,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func cudaSessionOptions() (*ort.SessionOptions, error) {
	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("cuda device unavailable: %w", err)
	}
	defer cudaOpts.Destroy()
	if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("cuda device unavailable: %w", err)
	}
	return sessionOpts, nil
}

// Forward implements Backbone.
func (b *ONNXBackbone) Forward(t *imaging.Tensor) ([][]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil, ErrClosed
	}
	in := b.inputTensor.GetData()
	if t == nil || len(t.Data) != len(in) {
		return nil, fmt.Errorf("input tensor has %d values, want %d", lenData(t), len(in))
	}
	copy(in, t.Data)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := b.outputTensor.GetData()
	tokens := make([][]float32, b.tokens)
	for i := range tokens {
		tok := make([]float32, b.hidden)
		copy(tok, out[i*b.hidden:(i+1)*b.hidden])
		tokens[i] = tok
	}
	return tokens, nil
}

// HiddenSize implements Backbone.
func (b *ONNXBackbone) HiddenSize() int {
	return b.hidden
}

// Close destroys the session and tensors.
func (b *ONNXBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.session != nil {
		err = b.session.Destroy()
		b.session = nil
	}
	if b.inputTensor != nil {
		_ = b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		_ = b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	return err
}

func lenData(t *imaging.Tensor) int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}
