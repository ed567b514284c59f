package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidRequest indicates malformed arguments to a store call.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDimensionMismatch indicates a vector whose length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// VectorStoreError wraps a failed store operation. Ingestion retries it;
// the query path surfaces it.
type VectorStoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vectorstore %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// Chunk is one indexed segment of a document.
type Chunk struct {
	ID          string
	DocumentID  string
	Index       int
	Content     string
	Vector      []float32
	PageNumber  int
	LineStart   int
	LineEnd     int
	Institution string
	Title       string
	Metadata    map[string]string
}

// Filters narrow a search.
type Filters struct {
	// Institution restricts results to one source institution.
	Institution string `json:"institution,omitempty"`
	// DocumentIDs restricts results to an allow-list of documents.
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f.Institution == "" && len(f.DocumentIDs) == 0
}

// DefaultAlpha is the vector weight used by HybridSearch when the request
// leaves Alpha unset.
const DefaultAlpha = 0.7

// SearchRequest parameterizes Search and HybridSearch.
type SearchRequest struct {
	K             int
	Filters       Filters
	MinSimilarity float32
	// Alpha is the vector weight for HybridSearch, in (0,1]. Zero selects DefaultAlpha.
	Alpha float64
}

func (r SearchRequest) validate() error {
	if r.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidRequest, r.K)
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return fmt.Errorf("%w: min similarity %v outside [0,1]", ErrInvalidRequest, r.MinSimilarity)
	}
	if r.Alpha < 0 || r.Alpha > 1 {
		return fmt.Errorf("%w: alpha %v outside [0,1]", ErrInvalidRequest, r.Alpha)
	}
	return nil
}

// SearchResult is one matched chunk.
type SearchResult struct {
	ChunkID     string
	DocumentID  string
	Content     string
	// Similarity is in [0,1]; higher is closer.
	Similarity  float32
	ChunkIndex  int
	PageNumber  int
	LineStart   int
	LineEnd     int
	Institution string
	Title       string
	Metadata    map[string]string
}

// Store is the vector index used by ingestion and search.
type Store interface {
	// BulkIndex replaces every chunk of documentID with chunks and returns
	// their ids. Prior chunks are deleted first, so re-indexing is idempotent.
	BulkIndex(ctx context.Context, documentID string, chunks []Chunk) ([]string, error)

	// Search returns up to K chunks nearest to vector.
	Search(ctx context.Context, vector []float32, req SearchRequest) ([]SearchResult, error)

	// HybridSearch re-ranks vector candidates by term overlap with queryText.
	HybridSearch(ctx context.Context, vector []float32, queryText string, req SearchRequest) ([]SearchResult, error)

	// DeleteByDocument removes every chunk of documentID and returns how many were removed.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)

	// Count returns the chunks of documentID, or of the whole index when it is empty.
	Count(ctx context.Context, documentID string) (int, error)

	Health(ctx context.Context) error
	Close() error
}

var chunkNamespace = uuid.MustParse("6f1c5d0e-8b0a-4d4e-9a57-1e2f3c4b5a69")

// ChunkID returns the deterministic id of the index-th chunk of a document.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+"#"+strconv.Itoa(index))).String()
}

// sortResults orders by similarity descending, then chunk index, then
// document id.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		return a.DocumentID < b.DocumentID
	})
}

// finalize drops results below floor, sorts and truncates to k.
func finalize(results []SearchResult, floor float32, k int) []SearchResult {
	out := results[:0]
	for _, r := range results {
		if r.Similarity >= floor {
			out = append(out, r)
		}
	}
	sortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// clampScore maps a backend cosine score into [0,1].
func clampScore(s float32) float32 {
	switch {
	case s < 0 || s != s:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// validateChunks checks that every chunk belongs to documentID and has
// the index dimension, filling in missing ids.
func validateChunks(documentID string, chunks []Chunk, dimension int) error {
	if documentID == "" {
		return fmt.Errorf("%w: document id required", ErrInvalidRequest)
	}
	for i := range chunks {
		c := &chunks[i]
		if c.DocumentID == "" {
			c.DocumentID = documentID
		}
		if c.DocumentID != documentID {
			return fmt.Errorf("%w: chunk %d belongs to %q, not %q", ErrInvalidRequest, i, c.DocumentID, documentID)
		}
		if len(c.Vector) != dimension {
			return fmt.Errorf("%w: chunk %d has %d, index has %d", ErrDimensionMismatch, c.Index, len(c.Vector), dimension)
		}
		if c.ID == "" {
			c.ID = ChunkID(documentID, c.Index)
		}
	}
	return nil
}

func validateVector(vector []float32, dimension int) error {
	if len(vector) != dimension {
		return fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vector), dimension)
	}
	return nil
}
