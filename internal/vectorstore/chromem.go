package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("lexd.vectorstore.chromem")

const chromemBackend = "chromem"

// Reserved metadata keys; chromem stores metadata as strings only.
const (
	keyDocumentID  = "document_id"
	keyChunkIndex  = "chunk_index"
	keyPageNumber  = "page_number"
	keyLineStart   = "line_start"
	keyLineEnd     = "line_end"
	keyInstitution = "institution"
	keyTitle       = "title"
	keyContent     = "content"
)

var reservedKeys = map[string]bool{
	keyDocumentID: true, keyChunkIndex: true, keyPageNumber: true, keyLineStart: true,
	keyLineEnd: true, keyInstitution: true, keyTitle: true, keyContent: true,
}

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
	Dimension  int
}

// ChromemStore is an embedded, optionally persistent vector index.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemStore opens (or creates) the collection at cfg.Path.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: collection required", ErrInvalidConfig)
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	// The embedding func must be non-nil or chromem installs its OpenAI
	// default; vectors are always supplied by the caller.
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem store opened",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("chunks", collection.Count()),
	)
	return &ChromemStore{db: db, collection: collection, config: cfg, logger: logger}, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem: vectors must be precomputed")
}

func (s *ChromemStore) fail(op string, err error) error {
	return &VectorStoreError{Backend: chromemBackend, Op: op, Err: err}
}

// BulkIndex replaces the chunks of documentID.
func (s *ChromemStore) BulkIndex(ctx context.Context, documentID string, chunks []Chunk) (ids []string, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.BulkIndex")
	defer span.End()
	start := time.Now()
	defer func() { observe(chromemBackend, "bulk_index", start, err) }()

	span.SetAttributes(attribute.String("document_id", documentID), attribute.Int("chunks", len(chunks)))

	if err := validateChunks(documentID, chunks, s.config.Dimension); err != nil {
		return nil, err
	}
	removed, err := s.DeleteByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return []string{}, nil
	}

	docs := make([]chromem.Document, len(chunks))
	ids = make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Embedding: c.Vector,
			Metadata:  encodeMetadata(c),
		}
	}
	if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.fail("bulk_index", err)
	}

	ChunksIndexed.WithLabelValues(chromemBackend).Add(float64(len(chunks)))
	span.SetStatus(codes.Ok, "indexed")
	s.logger.Debug("indexed document chunks",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunks)),
		zap.Int("replaced", removed),
	)
	return ids, nil
}

// Search runs an exact nearest-neighbour query.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, req SearchRequest) (results []SearchResult, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(chromemBackend, "search", start, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := validateVector(vector, s.config.Dimension); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("k", req.K), attribute.String("institution", req.Filters.Institution))

	where := map[string]string{}
	if req.Filters.Institution != "" {
		where[keyInstitution] = req.Filters.Institution
	}

	if len(req.Filters.DocumentIDs) == 0 {
		results, err = s.query(ctx, vector, req.K, where)
	} else {
		// chromem filters on equality only, so an allow-list becomes one
		// query per document.
		for _, id := range req.Filters.DocumentIDs {
			w := map[string]string{keyDocumentID: id}
			for k, v := range where {
				w[k] = v
			}
			var part []SearchResult
			part, err = s.query(ctx, vector, req.K, w)
			if err != nil {
				break
			}
			results = append(results, part...)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.fail("search", err)
	}

	results = finalize(results, req.MinSimilarity, req.K)
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (s *ChromemStore) query(ctx context.Context, vector []float32, k int, where map[string]string) ([]SearchResult, error) {
	total := s.collection.Count()
	if total == 0 {
		return nil, nil
	}
	if len(where) == 0 {
		where = nil
	}
	res, err := s.collection.QueryEmbedding(ctx, vector, min(k, total), where, nil)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(res))
	for i, r := range res {
		out[i] = decodeResult(r.ID, r.Content, r.Similarity, r.Metadata)
	}
	return out, nil
}

// HybridSearch blends vector similarity with term overlap.
func (s *ChromemStore) HybridSearch(ctx context.Context, vector []float32, queryText string, req SearchRequest) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.HybridSearch")
	defer span.End()
	return hybridSearch(ctx, s.Search, vector, queryText, req)
}

// DeleteByDocument removes every chunk of documentID.
func (s *ChromemStore) DeleteByDocument(ctx context.Context, documentID string) (n int, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByDocument")
	defer span.End()
	start := time.Now()
	defer func() { observe(chromemBackend, "delete", start, err) }()

	if documentID == "" {
		return 0, fmt.Errorf("%w: document id required", ErrInvalidRequest)
	}
	n, err = s.Count(ctx, documentID)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := s.collection.Delete(ctx, map[string]string{keyDocumentID: documentID}, nil); err != nil {
		span.RecordError(err)
		return 0, s.fail("delete", err)
	}
	span.SetAttributes(attribute.Int("deleted", n))
	return n, nil
}

// Count returns the chunks of documentID, or all chunks when it is empty.
func (s *ChromemStore) Count(ctx context.Context, documentID string) (int, error) {
	total := s.collection.Count()
	if documentID == "" || total == 0 {
		return total, nil
	}
	// chromem has no filtered count; a probe query over every document
	// returns all matches of the filter.
	probe := make([]float32, s.config.Dimension)
	probe[0] = 1
	res, err := s.collection.QueryEmbedding(ctx, probe, total, map[string]string{keyDocumentID: documentID}, nil)
	if err != nil {
		return 0, s.fail("count", err)
	}
	return len(res), nil
}

// Health reports whether the store is usable.
func (s *ChromemStore) Health(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

func encodeMetadata(c Chunk) map[string]string {
	m := make(map[string]string, len(c.Metadata)+7)
	for k, v := range c.Metadata {
		if !reservedKeys[k] {
			m[k] = v
		}
	}
	m[keyDocumentID] = c.DocumentID
	m[keyChunkIndex] = strconv.Itoa(c.Index)
	m[keyPageNumber] = strconv.Itoa(c.PageNumber)
	m[keyLineStart] = strconv.Itoa(c.LineStart)
	m[keyLineEnd] = strconv.Itoa(c.LineEnd)
	if c.Institution != "" {
		m[keyInstitution] = c.Institution
	}
	if c.Title != "" {
		m[keyTitle] = c.Title
	}
	return m
}

func decodeResult(id, content string, score float32, md map[string]string) SearchResult {
	r := SearchResult{
		ChunkID:     id,
		Content:     content,
		Similarity:  clampScore(score),
		DocumentID:  md[keyDocumentID],
		Institution: md[keyInstitution],
		Title:       md[keyTitle],
	}
	r.ChunkIndex, _ = strconv.Atoi(md[keyChunkIndex])
	r.PageNumber, _ = strconv.Atoi(md[keyPageNumber])
	r.LineStart, _ = strconv.Atoi(md[keyLineStart])
	r.LineEnd, _ = strconv.Atoi(md[keyLineEnd])
	for k, v := range md {
		if reservedKeys[k] {
			continue
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.Metadata[k] = v
	}
	return r
}

var _ Store = (*ChromemStore)(nil)
