package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fyrsmithlabs/lexd/internal/config"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic provider. The SDK retries
// are disabled; fallback handles capacity errors.
func NewAnthropicProvider(cfg config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic: model required")
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if key := cfg.APIKey.Value(); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), model: cfg.Model}, nil
}

// Name returns StrategyAnthropic.
func (p *AnthropicProvider) Name() Strategy { return StrategyAnthropic }

// Generate sends one message and joins the text blocks of the reply.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Params.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
		Temperature: anthropic.Float(req.Params.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic message: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return Response{}, ErrEmptyResponse
	}
	usage := Usage{
		Prompt:     int(msg.Usage.InputTokens),
		Completion: int(msg.Usage.OutputTokens),
	}
	usage.Total = usage.Prompt + usage.Completion
	return Response{Text: text, Usage: usage, Model: string(msg.Model)}, nil
}
