// Package reranker re-orders vector search candidates by blending their
// similarity with lexical overlap against the query.
package reranker

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
)

// ErrInvalidAlpha is returned for a vector weight outside [0,1].
var ErrInvalidAlpha = errors.New("alpha must be within [0,1]")

// Document is one candidate to re-rank.
type Document struct {
	ID      string
	Content string
	// Score is the vector similarity in [0,1].
	Score float32
}

// ScoredDocument is a re-ranked candidate.
type ScoredDocument struct {
	Document
	// Overlap is the share of query terms found in the content.
	Overlap float32
	// Combined is alpha*Score + (1-alpha)*Overlap.
	Combined     float32
	OriginalRank int
}

// Reranker re-orders search candidates for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)
}

// Lexical blends vector similarity with query term overlap.
type Lexical struct {
	alpha float32
}

// NewLexical creates a Lexical reranker. alpha is the weight given to the
// vector score; the remainder goes to term overlap.
func NewLexical(alpha float64) (*Lexical, error) {
	if alpha < 0 || alpha > 1 {
		return nil, ErrInvalidAlpha
	}
	return &Lexical{alpha: float32(alpha)}, nil
}

// Rerank scores docs and returns the best topK (all when topK <= 0), highest
// combined score first. Equal scores keep their original order.
func (r *Lexical) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := uniq(textnorm.ContentTokens(query))

	scored := make([]ScoredDocument, len(docs))
	for i, d := range docs {
		overlap := Overlap(terms, textnorm.ContentTokens(d.Content))
		scored[i] = ScoredDocument{
			Document:     d,
			Overlap:      overlap,
			Combined:     r.alpha*d.Score + (1-r.alpha)*overlap,
			OriginalRank: i,
		}
	}
	if len(terms) == 0 {
		// Without query terms overlap is meaningless; keep vector scores.
		for i := range scored {
			scored[i].Combined = scored[i].Score
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Combined > scored[j].Combined
	})
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored, nil
}

// Overlap returns the share of query terms present in docTerms. A query term
// also matches a longer document word it prefixes (at least four runes), so
// inflected Turkish forms count: "kira" matches "kiracının".
func Overlap(queryTerms, docTerms []string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(docTerms))
	for _, t := range docTerms {
		set[t] = struct{}{}
	}

	var hits int
	for _, q := range queryTerms {
		if _, ok := set[q]; ok {
			hits++
			continue
		}
		if len([]rune(q)) < 4 {
			continue
		}
		for _, t := range docTerms {
			if strings.HasPrefix(t, q) {
				hits++
				break
			}
		}
	}
	return float32(hits) / float32(len(queryTerms))
}

func uniq(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
