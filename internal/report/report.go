// Package report turns a vision context and patient details into a written
// medical report using a hosted language model.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/models"
)

// ErrMissingAPIKey is returned when the provider has no API key configured.
var ErrMissingAPIKey = errors.New("missing report API key")

// ErrEmptyReport is returned when the provider answers without any text.
var ErrEmptyReport = errors.New("no content returned from report provider")

// Request carries everything needed to write one report.
type Request struct {
	Patient         models.PatientInfo
	ExamType        string
	Language        string
	Template        string
	ClinicalContext string
	// Referral is text extracted from an attached referral document.
	Referral      string
	VisionContext string
}

// Generator writes a report for a request.
type Generator interface {
	Generate(ctx context.Context, req *Request) (string, error)
	Name() string
}

// NewGenerator builds the generator for cfg.Provider.
func NewGenerator(cfg *config.ReportConfig, prompts *Prompts, logger *zap.Logger) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGeminiGenerator(cfg, prompts, timeout, logger)
	case config.ProviderOpenAI:
		return NewOpenAIGenerator(cfg, prompts, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown report provider %q", cfg.Provider)
	}
}
