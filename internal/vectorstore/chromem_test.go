package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChromem(t *testing.T, path string) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{Path: path, Collection: "legal_chunks", Dimension: testDim}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChromemStore_ReindexReplacesChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t, t.TempDir())

	first := testChunks("doc-1", "yargitay", "kira sözleşmesi feshi", "tahliye davası", "kira bedeli tespiti")
	ids, err := s.BulkIndex(ctx, "doc-1", first)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	_, err = s.BulkIndex(ctx, "doc-2", testChunks("doc-2", "danistay", "imar planı iptali"))
	require.NoError(t, err)

	n, err := s.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-indexing with a smaller set leaves exactly the new chunks.
	second := testChunks("doc-1", "yargitay", "kira sözleşmesi feshi", "tahliye davası")
	_, err = s.BulkIndex(ctx, "doc-1", second)
	require.NoError(t, err)

	n, err = s.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	// Indexing the same chunks twice is idempotent.
	ids2, err := s.BulkIndex(ctx, "doc-1", testChunks("doc-1", "yargitay", "kira sözleşmesi feshi", "tahliye davası"))
	require.NoError(t, err)
	n, _ = s.Count(ctx, "doc-1")
	assert.Equal(t, 2, n)
	assert.Equal(t, ChunkID("doc-1", 0), ids2[0])
}

func TestChromemStore_DeleteByDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t, "")

	_, err := s.BulkIndex(ctx, "doc-1", testChunks("doc-1", "", "a b c", "d e f"))
	require.NoError(t, err)

	n, err := s.DeleteByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeleteByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.DeleteByDocument(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestChromemStore_SearchOrderingAndThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t, "")

	_, err := s.BulkIndex(ctx, "doc-1", testChunks("doc-1", "yargitay",
		"kira sözleşmesi feshi ve tahliye",
		"işçi kıdem tazminatı hesabı",
		"kira bedelinin artışı sınırı",
	))
	require.NoError(t, err)

	query := hashVector("kira sözleşmesi feshi ve tahliye")
	results, err := s.Search(ctx, query, SearchRequest{K: 10, MinSimilarity: 0.1})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)
	assert.Equal(t, "doc-1", results[0].DocumentID)
	assert.Equal(t, "yargitay", results[0].Institution)
	assert.Equal(t, 1, results[0].PageNumber)
	assert.Equal(t, 1, results[0].LineStart)
	assert.Equal(t, 9, results[0].LineEnd)

	for i, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, float32(0.1))
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Similarity, r.Similarity)
		}
	}

	strict, err := s.Search(ctx, query, SearchRequest{K: 10, MinSimilarity: 0.99})
	require.NoError(t, err)
	assert.Len(t, strict, 1)
}

func TestChromemStore_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t, "")

	_, err := s.BulkIndex(ctx, "doc-1", testChunks("doc-1", "yargitay", "kira davası"))
	require.NoError(t, err)
	_, err = s.BulkIndex(ctx, "doc-2", testChunks("doc-2", "danistay", "kira davası"))
	require.NoError(t, err)
	_, err = s.BulkIndex(ctx, "doc-3", testChunks("doc-3", "danistay", "kira davası"))
	require.NoError(t, err)

	q := hashVector("kira davası")

	byInst, err := s.Search(ctx, q, SearchRequest{K: 10, Filters: Filters{Institution: "danistay"}})
	require.NoError(t, err)
	require.Len(t, byInst, 2)
	for _, r := range byInst {
		assert.Equal(t, "danistay", r.Institution)
	}
	// Equal scores fall back to document id order.
	assert.Equal(t, "doc-2", byInst[0].DocumentID)
	assert.Equal(t, "doc-3", byInst[1].DocumentID)

	byIDs, err := s.Search(ctx, q, SearchRequest{K: 10, Filters: Filters{DocumentIDs: []string{"doc-1", "doc-3"}}})
	require.NoError(t, err)
	require.Len(t, byIDs, 2)

	both, err := s.Search(ctx, q, SearchRequest{K: 10, Filters: Filters{Institution: "yargitay", DocumentIDs: []string{"doc-3"}}})
	require.NoError(t, err)
	assert.Empty(t, both)
}

func TestChromemStore_HybridSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t, "")

	_, err := s.BulkIndex(ctx, "doc-1", testChunks("doc-1", "",
		"kiracı tahliye taahhüdü geçerlilik şartları",
		"kira artışı tüketici fiyat endeksi sınırı",
		"işçinin yıllık ücretli izin hakkı",
	))
	require.NoError(t, err)

	q := hashVector("kira artışı sınırı nedir")
	results, err := s.HybridSearch(ctx, q, "kira artışı sınırı nedir", SearchRequest{K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].ChunkIndex)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, float32(0))
		assert.LessOrEqual(t, r.Similarity, float32(1))
	}
}

func TestChromemStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestChromem(t, "")

	_, err := s.Search(ctx, []float32{1, 0}, SearchRequest{K: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	bad := testChunks("doc-1", "", "x")
	bad[0].Vector = []float32{1}
	_, err = s.BulkIndex(ctx, "doc-1", bad)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemStore_EmptyIndex(t *testing.T) {
	s := newTestChromem(t, "")
	results, err := s.Search(context.Background(), hashVector("x"), SearchRequest{K: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newTestChromem(t, dir)
	_, err := s.BulkIndex(ctx, "doc-1", testChunks("doc-1", "", "madde bir", "madde iki"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := newTestChromem(t, dir)
	n, err := reopened.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewChromemStore_Validation(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{Collection: "c"}, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewChromemStore(ChromemConfig{Dimension: 4}, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}
