package codegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultSystemPrompt = "You are a careful software engineer. Reply with a unified diff that resolves the issue and nothing else."

// AnthropicConfig configures the Messages API provider.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	System    string
}

// AnthropicProvider asks the Messages API for a patch. The returned text is
// handed to the verifier as the change set.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    string
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic provider: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic provider: model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.System == "" {
		cfg.System = defaultSystemPrompt
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The runner owns retry through the rate limiter and self-heal loop.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		system:    cfg.System,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	slog.Debug("codegen request", "provider", "anthropic", "model", p.model, "job", req.JobID, "attempt", req.Attempt)

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: p.system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(req))),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	res := Result{
		Changes:  b.String(),
		Duration: time.Since(start),
	}
	res.Usage.InputTokens = msg.Usage.InputTokens
	res.Usage.OutputTokens = msg.Usage.OutputTokens
	res.Usage.CachedTokens = msg.Usage.CacheReadInputTokens
	return res, nil
}
