package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/sanitize"
	"go.uber.org/zap"
)

// New builds the backend named in cfg.Provider. dimension is the embedding
// dimension every stored vector must have. cfg.Collection is passed
// through sanitize.Identifier.
func New(ctx context.Context, cfg config.VectorStoreConfig, dimension int, logger *zap.Logger) (Store, error) {
	collection := sanitize.Identifier(cfg.Collection)
	switch cfg.Provider {
	case "chromem", "":
		s, err := NewChromemStore(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			Collection: collection,
			Dimension:  dimension,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "qdrant":
		s, err := NewQdrantStore(ctx, QdrantConfig{
			Host:         cfg.Qdrant.Host,
			Port:         cfg.Qdrant.Port,
			UseTLS:       cfg.Qdrant.UseTLS,
			APIKey:       cfg.Qdrant.APIKey.Value(),
			Collection:   collection,
			Dimension:    dimension,
			MaxRetries:   cfg.Qdrant.MaxRetries,
			RetryBackoff: cfg.Qdrant.RetryBackoff.Duration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
