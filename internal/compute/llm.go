package compute

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultRateLimit = 2.0 // requests per second
	defaultBurst     = 4
	defaultMaxTokens = 2048
)

// LLMConfig configures the langchaingo-backed provider. BaseURL may point
// at any OpenAI-compatible endpoint, including a local inference server.
type LLMConfig struct {
	Model             string  `koanf:"model"`
	BaseURL           string  `koanf:"base_url"`
	APIKey            string  `koanf:"api_key"`
	MaxTokens         int     `koanf:"max_tokens"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// DefaultLLMConfig returns production defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:             defaultModel,
		MaxTokens:         defaultMaxTokens,
		RequestsPerSecond: defaultRateLimit,
	}
}

// LLMProvider is a Provider over an OpenAI-compatible completion API.
type LLMProvider struct {
	llm       llms.Model
	limiter   *rate.Limiter
	maxTokens int
	logger    *zap.Logger
}

// NewLLMProvider builds a rate-limited provider client.
func NewLLMProvider(cfg LLMConfig, logger *zap.Logger) (*LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("compute: API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRateLimit
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	return &LLMProvider{
		llm:       llm,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), defaultBurst),
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}, nil
}

// Generate runs one completion call. The prompt context is advisory and
// logged, not sent; everything the provider needs must already be in the
// assembled prompt.
func (p *LLMProvider) Generate(ctx context.Context, prompt string, promptContext map[string]any) (*Generation, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	content, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt,
		llms.WithMaxTokens(p.maxTokens))
	if err != nil {
		p.logger.Warn("generation failed",
			zap.Int("prompt_len", len(prompt)),
			zap.Error(err))
		return nil, fmt.Errorf("generate: %w", err)
	}

	p.logger.Debug("generation complete",
		zap.Int("prompt_len", len(prompt)),
		zap.Int("content_len", len(content)),
		zap.Any("context", promptContext))
	return &Generation{Success: true, Content: content}, nil
}
