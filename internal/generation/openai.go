package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/lexd/internal/config"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	llm   *openai.LLM
	model string
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg config.ProviderConfig) (*OpenAIProvider, error) {
	token := cfg.APIKey.Value()
	if token == "" {
		// langchaingo refuses to build a client without a token.
		token = "unused"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return &OpenAIProvider{llm: llm, model: cfg.Model}, nil
}

// Name returns StrategyOpenAI.
func (p *OpenAIProvider) Name() Strategy { return StrategyOpenAI }

// Generate runs one chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Params.Model
	if model == "" {
		model = p.model
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, req.UserPrompt),
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Params.Temperature)}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	if req.Params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.Params.MaxTokens))
	}

	resp, err := p.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return Response{}, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	usage := Usage{
		Prompt:     intInfo(choice.GenerationInfo, "PromptTokens"),
		Completion: intInfo(choice.GenerationInfo, "CompletionTokens"),
		Total:      intInfo(choice.GenerationInfo, "TotalTokens"),
	}
	if usage.Total == 0 {
		usage.Total = usage.Prompt + usage.Completion
	}
	return Response{Text: choice.Content, Usage: usage, Model: model}, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
