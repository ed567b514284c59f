package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	// Dimension overrides the name-based guess.
	Dimension int
}

// OpenAIService embeds through langchaingo's OpenAI client. It works with
// any server that speaks the OpenAI embeddings API.
type OpenAIService struct {
	embedder  *embeddings.EmbedderImpl
	dimension int
}

// NewOpenAIService creates an OpenAI-compatible embedding client.
func NewOpenAIService(cfg OpenAIConfig) (*OpenAIService, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo refuses to build a client without a token.
		token = "unused"
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	dim := cfg.Dimension
	if dim == 0 {
		dim = dimensionFromModel(cfg.Model)
	}
	return &OpenAIService{embedder: embedder, dimension: dim}, nil
}

// EmbedDocuments embeds passages.
func (s *OpenAIService) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbedQuery embeds a search query.
func (s *OpenAIService) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

// Dimension returns the configured or guessed dimension.
func (s *OpenAIService) Dimension() int { return s.dimension }

// Close is a no-op.
func (s *OpenAIService) Close() error { return nil }
