package report

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/pkg/utils"
)

// OpenAIGenerator uses any OpenAI-compatible chat completion endpoint.
type OpenAIGenerator struct {
	cfg     config.ReportConfig
	prompts *Prompts
	client  *openai.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIGenerator creates the client. BaseURL overrides the default endpoint.
func NewOpenAIGenerator(cfg *config.ReportConfig, prompts *Prompts, timeout time.Duration, logger *zap.Logger) *OpenAIGenerator {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIGenerator{
		cfg:     *cfg,
		prompts: prompts,
		client:  openai.NewClientWithConfig(clientConfig),
		timeout: timeout,
		logger:  utils.OrNop(logger),
	}
}

// Name returns the provider name.
func (g *OpenAIGenerator) Name() string {
	return config.ProviderOpenAI
}

// Generate sends a system and a user message and returns the cleaned reply.
func (g *OpenAIGenerator) Generate(ctx context.Context, req *Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	g.logger.Info("Requesting report", zap.String("provider", g.Name()), zap.String("model", g.cfg.ModelID))
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.cfg.ModelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.prompts.System(req.Template, req.Language)},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(req)},
		},
		Temperature: g.cfg.Temperature,
		TopP:        g.cfg.TopP,
		MaxTokens:   g.cfg.MaxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to call report provider: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReport
	}
	text := CleanReport(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReport
	}
	return text, nil
}
