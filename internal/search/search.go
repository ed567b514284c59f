// Package search answers semantic queries against the vector index, with
// cached query embeddings and result sets.
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/cache"
	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

var tracer = otel.Tracer("lexd.search")

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("query is empty")

// Embedder embeds a query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the read side of the vector store.
type Index interface {
	Search(ctx context.Context, vector []float32, req vectorstore.SearchRequest) ([]vectorstore.SearchResult, error)
	HybridSearch(ctx context.Context, vector []float32, queryText string, req vectorstore.SearchRequest) ([]vectorstore.SearchResult, error)
}

// Documents resolves document records. Only chunks of searchable
// documents are returned.
type Documents interface {
	Documents(ctx context.Context, ids []string) (map[string]store.Document, error)
	DocumentIDsByInstitution(ctx context.Context, institution string) ([]string, error)
}

// overfetch widens the vector query so results dropped as ineligible can
// be replaced.
const overfetch = 2

// Request is a semantic search.
type Request struct {
	Query string
	// Limit is the maximum number of results; zero takes the default and
	// larger values are capped.
	Limit int
	// Threshold is the minimum similarity; nil takes the default.
	Threshold *float64
	Filters   vectorstore.Filters
	// Hybrid blends vector similarity with term overlap.
	Hybrid bool
}

// Stats describes how a search was served.
type Stats struct {
	EmbeddingCached bool
	ResultsCached   bool
	Duration        time.Duration
}

// Service runs searches.
type Service struct {
	embedder Embedder
	index    Index
	cache    *cache.RetrievalCache
	docs     Documents
	cfg      config.SearchConfig
	logger   *zap.Logger
}

// Deps are the collaborators of a Service. Cache and Documents are
// optional. With Documents every result is checked against its document
// record, and PreNarrow additionally turns institution filters into
// document id allow-lists.
type Deps struct {
	Embedder  Embedder
	Index     Index
	Cache     *cache.RetrievalCache
	Documents Documents
	Config    config.SearchConfig
	Logger    *zap.Logger
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Embedder == nil || deps.Index == nil {
		return nil, errors.New("search: embedder and index are required")
	}
	if deps.Config.DefaultLimit <= 0 {
		deps.Config.DefaultLimit = 5
	}
	if deps.Config.MaxLimit < deps.Config.DefaultLimit {
		deps.Config.MaxLimit = max(20, deps.Config.DefaultLimit)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		embedder: deps.Embedder,
		index:    deps.Index,
		cache:    deps.Cache,
		docs:     deps.Documents,
		cfg:      deps.Config,
		logger:   deps.Logger,
	}, nil
}

// Search returns at most Limit results with similarity at or above the
// threshold, most similar first. When an institution filter is set every
// result belongs to it.
func (s *Service) Search(ctx context.Context, req Request) ([]vectorstore.SearchResult, error) {
	results, _, err := s.SearchWithStats(ctx, req)
	return results, err
}

// SearchWithStats is Search that also reports cache use.
func (s *Service) SearchWithStats(ctx context.Context, req Request) ([]vectorstore.SearchResult, Stats, error) {
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()
	start := time.Now()
	var stats Stats

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, stats, ErrEmptyQuery
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	limit = min(limit, s.cfg.MaxLimit)
	threshold := s.cfg.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, stats, fmt.Errorf("%w: threshold %v outside [0,1]", vectorstore.ErrInvalidRequest, threshold)
	}
	hybrid := req.Hybrid || s.cfg.Hybrid
	mode := "vector"
	if hybrid {
		mode = "hybrid"
	}
	span.SetAttributes(
		attribute.Int("limit", limit),
		attribute.Float64("threshold", threshold),
		attribute.String("mode", mode),
		attribute.String("institution", req.Filters.Institution))

	key := cache.ResultKey(cache.ResultKeyParams{
		Query:       query,
		Institution: req.Filters.Institution,
		DocumentIDs: req.Filters.DocumentIDs,
		Limit:       limit,
		Threshold:   threshold,
		Mode:        mode,
	})
	candidates := limit
	if s.docs != nil {
		candidates = limit * overfetch
	}
	if s.cache != nil {
		if cached, out := s.cache.Results(ctx, key); out.Hit {
			results, err := s.eligible(ctx, cached, limit)
			if err != nil {
				return nil, stats, err
			}
			stats.ResultsCached = true
			stats.Duration = time.Since(start)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return results, stats, nil
		}
	}

	vector, cached, err := s.embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stats, err
	}
	stats.EmbeddingCached = cached

	filters := req.Filters
	if s.cfg.PreNarrow && s.docs != nil && filters.Institution != "" && len(filters.DocumentIDs) == 0 {
		ids, err := s.docs.DocumentIDsByInstitution(ctx, filters.Institution)
		if err != nil {
			return nil, stats, fmt.Errorf("resolve institution %s: %w", filters.Institution, err)
		}
		if len(ids) == 0 {
			stats.Duration = time.Since(start)
			return []vectorstore.SearchResult{}, stats, nil
		}
		filters.DocumentIDs = ids
	}

	vreq := vectorstore.SearchRequest{
		K:             candidates,
		Filters:       filters,
		MinSimilarity: float32(threshold),
		Alpha:         s.cfg.HybridAlpha,
	}
	var results []vectorstore.SearchResult
	if hybrid {
		results, err = s.index.HybridSearch(ctx, vector, query, vreq)
	} else {
		results, err = s.index.Search(ctx, vector, vreq)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stats, fmt.Errorf("vector search: %w", err)
	}

	results = enforce(results, req.Filters.Institution, float32(threshold), candidates)
	if s.cache != nil {
		s.cache.StoreResults(ctx, key, results)
	}
	if results, err = s.eligible(ctx, results, limit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, stats, err
	}
	stats.Duration = time.Since(start)
	s.logger.Debug("search complete",
		zap.Int("results", len(results)),
		zap.String("mode", mode),
		zap.Bool("embedding_cached", stats.EmbeddingCached),
		zap.Duration("duration", stats.Duration))
	return results, stats, nil
}

func (s *Service) embed(ctx context.Context, query string) ([]float32, bool, error) {
	if s.cache != nil {
		if vec, out := s.cache.Embedding(ctx, query); out.Hit {
			return vec, true, nil
		}
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, false, fmt.Errorf("embed query: %w", err)
	}
	if s.cache != nil {
		s.cache.StoreEmbedding(ctx, query, vec)
	}
	return vec, false, nil
}

// eligible drops results whose document is unknown, inactive or not
// completed, then applies the limit. Cached result sets pass through here
// too, so a document deactivated after caching stops being served at once.
func (s *Service) eligible(ctx context.Context, results []vectorstore.SearchResult, limit int) ([]vectorstore.SearchResult, error) {
	if s.docs != nil && len(results) > 0 {
		ids := make([]string, 0, len(results))
		seen := make(map[string]bool, len(results))
		for _, r := range results {
			if !seen[r.DocumentID] {
				seen[r.DocumentID] = true
				ids = append(ids, r.DocumentID)
			}
		}
		docs, err := s.docs.Documents(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load documents: %w", err)
		}
		out := make([]vectorstore.SearchResult, 0, len(results))
		for _, r := range results {
			if doc, ok := docs[r.DocumentID]; ok && doc.Searchable() {
				out = append(out, r)
			}
		}
		if dropped := len(results) - len(out); dropped > 0 {
			s.logger.Debug("dropped results of unsearchable documents", zap.Int("dropped", dropped))
		}
		results = out
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// enforce re-applies the institution filter, the threshold, descending
// similarity order and the limit regardless of what the backend did.
func enforce(results []vectorstore.SearchResult, institution string, threshold float32, limit int) []vectorstore.SearchResult {
	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Similarity < threshold {
			continue
		}
		if institution != "" && r.Institution != institution {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b vectorstore.SearchResult) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
