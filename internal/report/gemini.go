package report

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/pkg/utils"
)

// GeminiGenerator calls Gemini generateContent through the GenAI SDK.
type GeminiGenerator struct {
	cfg     config.ReportConfig
	prompts *Prompts
	client  *genai.Client
	logger  *zap.Logger
}

// NewGeminiGenerator creates a Gemini API client with the given request
// timeout. BaseURL overrides the default endpoint.
func NewGeminiGenerator(cfg *config.ReportConfig, prompts *Prompts, timeout time.Duration, logger *zap.Logger) (*GeminiGenerator, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiGenerator{
		cfg:     *cfg,
		prompts: prompts,
		client:  client,
		logger:  utils.OrNop(logger),
	}, nil
}

// Name returns the provider name.
func (g *GeminiGenerator) Name() string {
	return config.ProviderGemini
}

// Generate sends the system and user prompt as a single user turn and returns
// the cleaned text of the first candidate.
func (g *GeminiGenerator) Generate(ctx context.Context, req *Request) (string, error) {
	prompt := g.prompts.System(req.Template, req.Language) + "\n\n" + UserPrompt(req)
	genCfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.cfg.Temperature),
		TopP:             genai.Ptr(g.cfg.TopP),
		MaxOutputTokens:  int32(g.cfg.MaxOutputTokens),
		ResponseMIMEType: "text/plain",
	}

	g.logger.Info("Requesting report", zap.String("provider", g.Name()), zap.String("model", g.cfg.ModelID))
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.ModelID, genai.Text(prompt), genCfg)
	if err != nil {
		return "", fmt.Errorf("failed to call report provider: %w", err)
	}
	text := CleanReport(resp.Text())
	if text == "" {
		return "", ErrEmptyReport
	}
	return text, nil
}
