package embeddings

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	t.Run("tei", func(t *testing.T) {
		p, err := NewProvider(config.EmbeddingsConfig{Provider: "tei", BaseURL: "http://localhost:8080", Model: "intfloat/multilingual-e5-small"}, nil)
		require.NoError(t, err)
		assert.IsType(t, &TEIService{}, p)
	})
	t.Run("openai", func(t *testing.T) {
		p, err := NewProvider(config.EmbeddingsConfig{Provider: "openai", Model: "text-embedding-3-small"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1536, p.Dimension())
	})
	t.Run("unknown", func(t *testing.T) {
		p, err := NewProvider(config.EmbeddingsConfig{Provider: "word2vec"}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Nil(t, p)
	})
	t.Run("tei without url", func(t *testing.T) {
		p, err := NewProvider(config.EmbeddingsConfig{Provider: "tei"}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Nil(t, p)
	})
}

func TestDimensionFromModel(t *testing.T) {
	tests := map[string]int{
		"intfloat/multilingual-e5-small": 384,
		"intfloat/multilingual-e5-base":  768,
		"intfloat/multilingual-e5-large": 1024,
		"text-embedding-3-small":         1536,
		"text-embedding-3-large":         3072,
		"custom":                         0,
	}
	for model, want := range tests {
		assert.Equal(t, want, dimensionFromModel(model), model)
	}
}

func TestHashProvider(t *testing.T) {
	h := NewHashProvider(32)
	vecs, err := h.EmbedDocuments(context.Background(), []string{"kıdem tazminatı", "Kıdem Tazminatı", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 32)
	assert.Equal(t, vecs[0], vecs[1], "casing does not change the vector")
	assert.Equal(t, float32(1), vecs[2][0])

	q, err := h.EmbedQuery(context.Background(), "kıdem tazminatı")
	require.NoError(t, err)
	assert.Equal(t, vecs[0], q)

	p, err := NewProvider(config.EmbeddingsConfig{Provider: "hash", Dimension: 16}, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, p.Dimension())
}
