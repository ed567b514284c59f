package reranker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexical_Rerank(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		docs    []Document
		topK    int
		wantIDs []string
	}{
		{
			name:    "empty documents",
			query:   "kira artışı",
			docs:    nil,
			wantIDs: []string{},
		},
		{
			name:  "term overlap lifts a lower vector score",
			query: "kira artışı sınırı",
			docs: []Document{
				{ID: "a", Content: "işçinin yıllık izin hakkı", Score: 0.80},
				{ID: "b", Content: "kira artışı yüzde yirmi beş sınırı", Score: 0.70},
			},
			wantIDs: []string{"b", "a"},
		},
		{
			name:  "topK limits results",
			query: "tazminat",
			docs: []Document{
				{ID: "a", Content: "kıdem tazminatı", Score: 0.6},
				{ID: "b", Content: "ihbar tazminatı", Score: 0.5},
				{ID: "c", Content: "yıllık izin", Score: 0.4},
			},
			topK:    2,
			wantIDs: []string{"a", "b"},
		},
		{
			name:  "stopword-only query keeps vector order",
			query: "ve ile",
			docs: []Document{
				{ID: "a", Content: "ve ile", Score: 0.3},
				{ID: "b", Content: "madde", Score: 0.9},
			},
			wantIDs: []string{"b", "a"},
		},
	}

	r, err := NewLexical(0.7)
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Rerank(context.Background(), tt.query, tt.docs, tt.topK)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, d := range got {
				ids = append(ids, d.ID)
				assert.GreaterOrEqual(t, d.Combined, float32(0))
				assert.LessOrEqual(t, d.Combined, float32(1))
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestLexical_CombinedScore(t *testing.T) {
	r, err := NewLexical(0.5)
	require.NoError(t, err)

	got, err := r.Rerank(context.Background(), "kira sözleşmesi", []Document{{ID: "a", Content: "kira sözleşmesi feshi", Score: 0.6}}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Overlap, 1e-6)
	assert.InDelta(t, 0.8, got[0].Combined, 1e-6)
	assert.Equal(t, 0, got[0].OriginalRank)
}

func TestOverlap_PrefixMatchesInflections(t *testing.T) {
	assert.InDelta(t, 1.0, Overlap([]string{"kira"}, []string{"kiracının"}), 1e-6)
	assert.InDelta(t, 0.0, Overlap([]string{"iş"}, []string{"işçi"}), 1e-6, "short terms need an exact match")
	assert.InDelta(t, 0.5, Overlap([]string{"dava", "ceza"}, []string{"davacı"}), 1e-6)
	assert.Zero(t, Overlap(nil, []string{"madde"}))
}

func TestNewLexical_Alpha(t *testing.T) {
	_, err := NewLexical(1.2)
	assert.ErrorIs(t, err, ErrInvalidAlpha)
	_, err = NewLexical(-0.1)
	assert.ErrorIs(t, err, ErrInvalidAlpha)
}

func TestLexical_CancelledContext(t *testing.T) {
	r, _ := NewLexical(0.7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Rerank(ctx, "q", []Document{{ID: "a"}}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
