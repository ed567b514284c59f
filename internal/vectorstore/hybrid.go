package vectorstore

import (
	"context"

	"github.com/fyrsmithlabs/lexd/internal/reranker"
)

const minHybridCandidates = 20

type vectorSearchFunc func(ctx context.Context, vector []float32, req SearchRequest) ([]SearchResult, error)

// hybridSearch over-fetches vector candidates, blends their similarity with
// lexical overlap and applies the threshold to the blended score.
func hybridSearch(ctx context.Context, search vectorSearchFunc, vector []float32, queryText string, req SearchRequest) ([]SearchResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	alpha := req.Alpha
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	rr, err := reranker.NewLexical(alpha)
	if err != nil {
		return nil, err
	}

	wide := req
	wide.K = max(3*req.K, minHybridCandidates)
	wide.MinSimilarity = 0
	candidates, err := search(ctx, vector, wide)
	if err != nil {
		return nil, err
	}

	docs := make([]reranker.Document, len(candidates))
	for i, c := range candidates {
		docs[i] = reranker.Document{ID: c.ChunkID, Content: c.Content, Score: c.Similarity}
	}
	scored, err := rr.Rerank(ctx, queryText, docs, 0)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(scored))
	for i, s := range scored {
		r := candidates[s.OriginalRank]
		r.Similarity = clampScore(s.Combined)
		results[i] = r
	}
	return finalize(results, req.MinSimilarity, req.K), nil
}
