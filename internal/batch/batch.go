// Package batch runs an ordered list of images through the vision model and
// aggregates the outcome into a textual context for report generation.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/pipeline"
	"github.com/hyperjump/medvision/pkg/utils"
)

// NoImagesContext is the context produced for an empty batch.
const NoImagesContext = "[No images supplied]"

// DefaultMaxImages bounds a batch when no limit is configured.
const DefaultMaxImages = 16

// ErrTooManyImages is returned before any processing when a batch exceeds the limit.
var ErrTooManyImages = errors.New("too many images")

// Factory constructs the vision model.
type Factory func() (pipeline.Processor, error)

// Service owns the lazily constructed vision model and processes batches.
type Service struct {
	factory   Factory
	maxImages int
	logger    *zap.Logger

	mu    sync.Mutex
	model pipeline.Processor
}

// NewService creates a Service. The model is built on first use.
func NewService(factory Factory, maxImages int, logger *zap.Logger) *Service {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	return &Service{factory: factory, maxImages: maxImages, logger: utils.OrNop(logger)}
}

// MaxImages returns the batch size limit.
func (s *Service) MaxImages() int {
	return s.maxImages
}

// Model returns the shared model, constructing it if needed. A failed
// construction is retried on the next call.
func (s *Service) Model() (pipeline.Processor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		return s.model, nil
	}
	if s.factory == nil {
		return nil, errors.New("no model factory configured")
	}
	m, err := s.factory()
	if err != nil {
		return nil, err
	}
	s.model = m
	return m, nil
}

// Loaded returns the model info when the model has been constructed.
func (s *Service) Loaded() (pipeline.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return pipeline.Info{}, false
	}
	return s.model.Info(), true
}

// ProcessImages processes images in order. Per-image failures are recorded
// and skipped; model construction failures and structural errors fail the
// whole batch, in which case the returned result still carries a context
// describing the failure.
func (s *Service) ProcessImages(ctx context.Context, images []*models.ImageInput) (*models.BatchResult, error) {
	if len(images) == 0 {
		return &models.BatchResult{Context: NoImagesContext}, nil
	}
	if len(images) > s.maxImages {
		return nil, fmt.Errorf("%w: %d exceeds limit of %d", ErrTooManyImages, len(images), s.maxImages)
	}

	model, err := s.Model()
	if err != nil {
		s.logger.Error("Vision model unavailable", zap.Error(err))
		return failed(err), err
	}

	result := &models.BatchResult{Results: make([]*models.ImageResult, 0, len(images))}
	lines := make([]string, 0, len(images))
	for i, in := range images {
		n := i + 1
		rec := &models.ImageResult{Index: n, Name: inputName(in)}
		result.Results = append(result.Results, rec)

		if err := ctx.Err(); err != nil {
			lines = append(lines, skip(rec, err))
			continue
		}

		out, err := model.Process(ctx, in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				lines = append(lines, skip(rec, ctxErr))
				continue
			}
			if !models.IsPerImageError(err) {
				s.logger.Error("Vision batch aborted", zap.Int("image", n), zap.Error(err))
				return failed(err), err
			}
			s.logger.Warn("Image failed", zap.Int("image", n), zap.String("name", rec.Name), zap.Error(err))
			rec.Error = err.Error()
			lines = append(lines, fmt.Sprintf("[Image %d failed: %v]", n, err))
			continue
		}

		rec.Success = true
		rec.Width = out.Width
		rec.Height = out.Height
		rec.Shape = out.Embeddings.Shape()
		rec.Padded = out.Embeddings.Padded
		result.Processed = append(result.Processed, &models.ProcessedImage{Input: in, Output: out})
		lines = append(lines, successLine(n, out))
		s.logger.Debug("Image processed",
			zap.Int("image", n),
			zap.Int("width", out.Width),
			zap.Int("height", out.Height),
			zap.Int("tokens", out.Embeddings.Len()))
	}
	result.Context = strings.Join(lines, "\n")
	return result, nil
}

func skip(rec *models.ImageResult, err error) string {
	rec.Skipped = true
	rec.Error = err.Error()
	return fmt.Sprintf("[Image %d skipped: %v]", rec.Index, err)
}

func successLine(n int, out *models.ProcessOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Image %d processed. Dimensions: %dx%d. Embedding dims: %s",
		n, out.Width, out.Height, models.ShapeString(out.Embeddings.Shape()))
	if out.Embeddings.Padded > 0 {
		fmt.Fprintf(&b, ", padded tokens: %d", out.Embeddings.Padded)
	}
	b.WriteString("]")
	return b.String()
}

func failed(err error) *models.BatchResult {
	return &models.BatchResult{Context: fmt.Sprintf("[Vision model processing failed: %v]", err)}
}

func inputName(in *models.ImageInput) string {
	if in == nil {
		return ""
	}
	return in.Name
}

// Close releases the model if it was constructed.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil
	}
	err := s.model.Close()
	s.model = nil
	return err
}
