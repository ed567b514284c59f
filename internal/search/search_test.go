package search

import (
	"context"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/lexd/internal/cache"
	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/embeddings"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

const dim = 64

type countingEmbedder struct {
	inner *embeddings.HashProvider
	calls atomic.Int32
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	return e.inner.EmbedQuery(ctx, text)
}

type fakeDocs map[string]store.Document

func (f fakeDocs) Documents(_ context.Context, ids []string) (map[string]store.Document, error) {
	out := map[string]store.Document{}
	for _, id := range ids {
		if d, ok := f[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (f fakeDocs) DocumentIDsByInstitution(_ context.Context, inst string) ([]string, error) {
	var ids []string
	for id, d := range f {
		if d.Institution == inst && d.Searchable() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// corpusDocs returns a searchable record for every document in the corpus.
func corpusDocs() fakeDocs {
	docs := fakeDocs{}
	for _, c := range corpus {
		docs[c.doc] = store.Document{
			ID:               c.doc,
			Institution:      c.inst,
			Status:           store.VisibilityActive,
			ProcessingStatus: store.StatusCompleted,
		}
	}
	return docs
}

func threshold(v float64) *float64 { return &v }

var corpus = []struct {
	doc, inst, text string
}{
	{"is-kanunu", "tbmm", "kıdem tazminatı işçinin son brüt ücreti üzerinden hesaplanır"},
	{"is-kanunu", "tbmm", "ihbar süreleri iş sözleşmesinin feshinde uygulanır"},
	{"yargitay-9hd", "yargitay", "kıdem tazminatı hesabında giydirilmiş ücret esas alınır"},
	{"yargitay-9hd", "yargitay", "fazla mesai alacağı tanık beyanıyla ispatlanabilir"},
	{"tbk", "tbmm", "kira bedelinin artırımı üretici fiyat endeksini geçemez"},
	{"danistay-5d", "danistay", "kıdem tazminatı tavanı kamu görevlileri için uygulanır"},
}

func newTestService(t *testing.T, mutate func(*Deps)) (*Service, *countingEmbedder) {
	t.Helper()
	ctx := context.Background()
	provider := embeddings.NewHashProvider(dim)

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "search-test", Dimension: dim}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	byDoc := map[string][]vectorstore.Chunk{}
	for _, c := range corpus {
		vec, err := provider.EmbedQuery(ctx, c.text)
		require.NoError(t, err)
		byDoc[c.doc] = append(byDoc[c.doc], vectorstore.Chunk{
			DocumentID:  c.doc,
			Index:       len(byDoc[c.doc]),
			Content:     c.text,
			Vector:      vec,
			PageNumber:  1,
			Institution: c.inst,
			Title:       c.doc,
		})
	}
	for doc, chunks := range byDoc {
		_, err := store.BulkIndex(ctx, doc, chunks)
		require.NoError(t, err)
	}

	embedder := &countingEmbedder{inner: provider}
	backend, err := cache.NewLRUBackend(64, time.Hour)
	require.NoError(t, err)
	deps := Deps{
		Embedder: embedder,
		Index:    store,
		Cache:    cache.NewRetrievalCache(backend, 0, 0, nil),
		Config:   config.SearchConfig{DefaultLimit: 5, MaxLimit: 20, Threshold: 0.05, HybridAlpha: 0.7},
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := New(deps)
	require.NoError(t, err)
	return svc, embedder
}

func TestSearch_OrderingAndThreshold(t *testing.T) {
	svc, _ := newTestService(t, nil)

	results, err := svc.Search(context.Background(), Request{Query: "kıdem tazminatı nasıl hesaplanır", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, float32(0.05))
		assert.LessOrEqual(t, r.Similarity, float32(1))
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Similarity, r.Similarity)
		}
	}
	assert.Contains(t, results[0].Content, "kıdem tazminatı")

	strict, err := svc.Search(context.Background(), Request{Query: "kıdem tazminatı nasıl hesaplanır", Limit: 10, Threshold: threshold(0.99)})
	require.NoError(t, err)
	assert.Empty(t, strict)
}

func TestSearch_Limit(t *testing.T) {
	svc, _ := newTestService(t, func(d *Deps) { d.Config.Threshold = 0.0001; d.Config.MaxLimit = 2 })

	results, err := svc.Search(context.Background(), Request{Query: "kıdem tazminatı ücret", Limit: 50})
	require.NoError(t, err)
	assert.Len(t, results, 2, "limit is capped")
}

func TestSearch_InstitutionFilter(t *testing.T) {
	for _, preNarrow := range []bool{false, true} {
		name := "metadata filter"
		if preNarrow {
			name = "pre-narrowed"
		}
		t.Run(name, func(t *testing.T) {
			svc, _ := newTestService(t, func(d *Deps) {
				d.Config.PreNarrow = preNarrow
				d.Documents = corpusDocs()
			})
			results, err := svc.Search(context.Background(), Request{
				Query:   "kıdem tazminatı",
				Limit:   10,
				Filters: vectorstore.Filters{Institution: "yargitay"},
			})
			require.NoError(t, err)
			require.NotEmpty(t, results)
			for _, r := range results {
				assert.Equal(t, "yargitay", r.Institution)
			}
		})
	}
}

func TestSearch_PreNarrowWithNoDocuments(t *testing.T) {
	svc, embedder := newTestService(t, func(d *Deps) {
		d.Config.PreNarrow = true
		d.Documents = fakeDocs{}
	})
	results, err := svc.Search(context.Background(), Request{
		Query:   "kıdem tazminatı",
		Filters: vectorstore.Filters{Institution: "anayasa-mahkemesi"},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(1), embedder.calls.Load())
}

func TestSearch_OnlySearchableDocuments(t *testing.T) {
	for _, preNarrow := range []bool{false, true} {
		name := "metadata filter"
		if preNarrow {
			name = "pre-narrowed"
		}
		t.Run(name, func(t *testing.T) {
			docs := corpusDocs()
			inactive := docs["is-kanunu"]
			inactive.Status = store.VisibilityInactive
			docs["is-kanunu"] = inactive
			failed := docs["tbk"]
			failed.ProcessingStatus = store.StatusFailed
			docs["tbk"] = failed

			svc, _ := newTestService(t, func(d *Deps) {
				d.Config.PreNarrow = preNarrow
				d.Documents = docs
			})
			ctx := context.Background()

			tbmm, err := svc.Search(ctx, Request{
				Query:     "kıdem tazminatı",
				Limit:     10,
				Threshold: threshold(0),
				Filters:   vectorstore.Filters{Institution: "tbmm"},
			})
			require.NoError(t, err)
			assert.Empty(t, tbmm, "every tbmm document is unsearchable")

			all, err := svc.Search(ctx, Request{Query: "kıdem tazminatı", Limit: 10, Threshold: threshold(0)})
			require.NoError(t, err)
			require.NotEmpty(t, all)
			for _, r := range all {
				assert.NotContains(t, []string{"is-kanunu", "tbk"}, r.DocumentID)
			}
		})
	}
}

func TestSearch_CachedResultsRecheckDocuments(t *testing.T) {
	docs := corpusDocs()
	svc, _ := newTestService(t, func(d *Deps) { d.Documents = docs })
	ctx := context.Background()
	req := Request{Query: "kıdem tazminatı", Limit: 10, Filters: vectorstore.Filters{Institution: "yargitay"}}

	first, err := svc.Search(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	doc := docs["yargitay-9hd"]
	doc.Status = store.VisibilityInactive
	docs["yargitay-9hd"] = doc

	second, stats, err := svc.SearchWithStats(ctx, req)
	require.NoError(t, err)
	assert.True(t, stats.ResultsCached)
	assert.Empty(t, second)
}

func TestSearch_ExplicitZeroThreshold(t *testing.T) {
	svc, _ := newTestService(t, func(d *Deps) { d.Config.Threshold = 0.99 })
	ctx := context.Background()

	defaulted, err := svc.Search(ctx, Request{Query: "kıdem tazminatı", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, defaulted)

	zero, err := svc.Search(ctx, Request{Query: "kıdem tazminatı", Limit: 10, Threshold: threshold(0)})
	require.NoError(t, err)
	assert.NotEmpty(t, zero)
}

func TestSearch_Caching(t *testing.T) {
	svc, embedder := newTestService(t, nil)
	ctx := context.Background()

	first, stats, err := svc.SearchWithStats(ctx, Request{Query: "Kira artırımı"})
	require.NoError(t, err)
	assert.False(t, stats.ResultsCached)
	assert.False(t, stats.EmbeddingCached)

	second, stats, err := svc.SearchWithStats(ctx, Request{Query: "  kira   ARTIRIMI "})
	require.NoError(t, err)
	assert.True(t, stats.ResultsCached, "normalized query hits the result cache")
	assert.Equal(t, first, second)

	// Different limit: result miss, embedding hit.
	_, stats, err = svc.SearchWithStats(ctx, Request{Query: "kira artırımı", Limit: 3})
	require.NoError(t, err)
	assert.False(t, stats.ResultsCached)
	assert.True(t, stats.EmbeddingCached)
	assert.Equal(t, int32(1), embedder.calls.Load())
}

func TestSearch_Hybrid(t *testing.T) {
	svc, _ := newTestService(t, nil)
	results, err := svc.Search(context.Background(), Request{Query: "fazla mesai tanık", Hybrid: true, Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Content, "fazla mesai")
}

func TestSearch_Validation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.Search(context.Background(), Request{Query: "   "})
	require.ErrorIs(t, err, ErrEmptyQuery)

	_, err = svc.Search(context.Background(), Request{Query: "kira", Threshold: threshold(1.5)})
	require.ErrorIs(t, err, vectorstore.ErrInvalidRequest)

	_, err = New(Deps{})
	require.Error(t, err)
}

func TestEnforce(t *testing.T) {
	in := []vectorstore.SearchResult{
		{ChunkID: "a", Similarity: 0.4, Institution: "x"},
		{ChunkID: "b", Similarity: 0.9, Institution: "y"},
		{ChunkID: "c", Similarity: 0.7, Institution: "x"},
		{ChunkID: "d", Similarity: 0.8, Institution: "x"},
	}
	out := enforce(in, "x", 0.5, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "d", out[0].ChunkID)
}
