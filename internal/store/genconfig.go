package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GenerationConfig is the operator-controlled answer generation setup.
// There is at most one row; Version increases on every save.
type GenerationConfig struct {
	Primary        string
	Fallback       string
	OpenAIModel    string
	AnthropicModel string
	Temperature    float64
	MaxTokens      int
	Style          string
	Version        int
	UpdatedAt      time.Time
}

// GetGenerationConfig returns the stored config or ErrNotFound.
func (s *Store) GetGenerationConfig(ctx context.Context) (*GenerationConfig, error) {
	var (
		c       GenerationConfig
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT primary_strategy, fallback_strategy, openai_model, anthropic_model,
			temperature, max_tokens, style, version, updated_at
		FROM generation_config WHERE id = 1`).Scan(
		&c.Primary, &c.Fallback, &c.OpenAIModel, &c.AnthropicModel,
		&c.Temperature, &c.MaxTokens, &c.Style, &c.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: generation config", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get generation config: %w", err)
	}
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// SaveGenerationConfig replaces the config and returns it with its new
// version.
func (s *Store) SaveGenerationConfig(ctx context.Context, c GenerationConfig) (*GenerationConfig, error) {
	if c.Primary == "" || c.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: primary strategy and max tokens are required", ErrInvalidArgument)
	}
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO generation_config (id, primary_strategy, fallback_strategy, openai_model,
			anthropic_model, temperature, max_tokens, style, version, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			primary_strategy = excluded.primary_strategy,
			fallback_strategy = excluded.fallback_strategy,
			openai_model = excluded.openai_model,
			anthropic_model = excluded.anthropic_model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			style = excluded.style,
			version = generation_config.version + 1,
			updated_at = excluded.updated_at
		RETURNING version`,
		c.Primary, c.Fallback, c.OpenAIModel, c.AnthropicModel, c.Temperature, c.MaxTokens,
		c.Style, toMillis(now)).Scan(&c.Version)
	if err != nil {
		return nil, fmt.Errorf("save generation config: %w", err)
	}
	c.UpdatedAt = now.UTC()
	return &c, nil
}
