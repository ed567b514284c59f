package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"go.uber.org/zap"
)

// Provider produces embeddings. Implementations do not enforce a
// dimension; Client does.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the native vector length of the model, or 0 if unknown.
	Dimension() int
	Close() error
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg config.EmbeddingsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "tei", "":
		p, err = NewTEIService(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey.Value(),
			Timeout: cfg.Timeout.Duration(),
		})
	case "openai":
		p, err = NewOpenAIService(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
		})
	case "fastembed":
		logger.Info("loading local embedding model", zap.String("model", cfg.Model), zap.String("cache_dir", cfg.CacheDir))
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "hash":
		logger.Warn("using hash embeddings, retrieval quality is lexical only")
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// instructionPrefixes returns the query and passage prefixes that E5-family
// models are trained with. Other models take raw text.
func instructionPrefixes(model string) (query, passage string) {
	if strings.Contains(strings.ToLower(model), "e5") {
		return "query: ", "passage: "
	}
	return "", ""
}

// dimensionFromModel guesses a model's vector length from its name.
func dimensionFromModel(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding"):
		return 1536
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "small"), strings.Contains(m, "mini"):
		return 384
	default:
		return 0
	}
}

const defaultTimeout = 30 * time.Second
