package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

const (
	DefaultEmbeddingTTL = 24 * time.Hour
	DefaultResultTTL    = 10 * time.Minute
)

// Outcome reports what a lookup did. Err is set when the backend failed;
// the lookup then counts as a miss.
type Outcome struct {
	Hit bool
	Err error
}

// ResultKeyParams are the inputs that determine a search result set.
type ResultKeyParams struct {
	Query       string
	Institution string
	DocumentIDs []string
	Limit       int
	Threshold   float64
	Mode        string
}

// EmbeddingKey is the cache key of a query embedding. Queries differing
// only in case or spacing share a key.
func EmbeddingKey(query string) string {
	return "emb:" + digest(textnorm.Fold(query))
}

// ResultKey is the cache key of a search result set.
func ResultKey(p ResultKeyParams) string {
	ids := slices.Clone(p.DocumentIDs)
	slices.Sort(ids)
	parts := []string{
		textnorm.Fold(p.Query),
		"inst=" + textnorm.Fold(p.Institution),
		"docs=" + strings.Join(ids, ","),
		"limit=" + strconv.Itoa(p.Limit),
		"threshold=" + strconv.FormatFloat(p.Threshold, 'f', 4, 64),
		"mode=" + p.Mode,
	}
	return "res:" + digest(strings.Join(parts, "\x1f"))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RetrievalCache caches query embeddings and search results.
type RetrievalCache struct {
	backend      Backend
	embeddingTTL time.Duration
	resultTTL    time.Duration
	logger       *zap.Logger
}

// NewRetrievalCache wraps backend. Zero TTLs take the defaults.
func NewRetrievalCache(backend Backend, embeddingTTL, resultTTL time.Duration, logger *zap.Logger) *RetrievalCache {
	if embeddingTTL <= 0 {
		embeddingTTL = DefaultEmbeddingTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrievalCache{backend: backend, embeddingTTL: embeddingTTL, resultTTL: resultTTL, logger: logger}
}

// Embedding looks up the embedding of query.
func (c *RetrievalCache) Embedding(ctx context.Context, query string) ([]float32, Outcome) {
	raw, out := c.get(ctx, "embedding", EmbeddingKey(query))
	if !out.Hit {
		return nil, out
	}
	vec, err := decodeVector(raw)
	if err != nil {
		return nil, c.failed("embedding", "decode", err)
	}
	return vec, out
}

// StoreEmbedding caches a non-empty embedding. Failures are logged only.
func (c *RetrievalCache) StoreEmbedding(ctx context.Context, query string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	c.set(ctx, "embedding", EmbeddingKey(query), encodeVector(vec), c.embeddingTTL)
}

// Results looks up a result set by its ResultKey.
func (c *RetrievalCache) Results(ctx context.Context, key string) ([]vectorstore.SearchResult, Outcome) {
	raw, out := c.get(ctx, "results", key)
	if !out.Hit {
		return nil, out
	}
	var results []vectorstore.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, c.failed("results", "decode", err)
	}
	return results, out
}

// StoreResults caches a non-empty result set. Failures are logged only.
func (c *RetrievalCache) StoreResults(ctx context.Context, key string, results []vectorstore.SearchResult) {
	if len(results) == 0 {
		return
	}
	raw, err := json.Marshal(results)
	if err != nil {
		c.failed("results", "encode", err)
		return
	}
	c.set(ctx, "results", key, raw, c.resultTTL)
}

func (c *RetrievalCache) get(ctx context.Context, kind, key string) ([]byte, Outcome) {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, c.failed(kind, "get", err)
	}
	if !ok {
		Lookups.WithLabelValues(kind, "miss").Inc()
		return nil, Outcome{}
	}
	Lookups.WithLabelValues(kind, "hit").Inc()
	return raw, Outcome{Hit: true}
}

func (c *RetrievalCache) set(ctx context.Context, kind, key string, value []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		c.failed(kind, "set", err)
	}
}

func (c *RetrievalCache) failed(kind, op string, err error) Outcome {
	Errors.WithLabelValues(kind, op).Inc()
	c.logger.Warn("retrieval cache error, treating as miss",
		zap.String("kind", kind), zap.String("op", op), zap.Error(err))
	return Outcome{Err: fmt.Errorf("cache %s %s: %w", kind, op, err)}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector payload of %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, nil
}
