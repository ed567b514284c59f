package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("lexd.vectorstore.qdrant")

const (
	qdrantBackend   = "qdrant"
	upsertBatchSize = 256
	metaPrefix      = "meta_"
)

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	APIKey     string
	Collection string
	Dimension  int

	// MaxRetries bounds retries of transient gRPC failures. Default 3.
	MaxRetries int
	// RetryBackoff is the first retry delay, doubled per attempt. Default 1s.
	RetryBackoff time.Duration
	// MaxMessageSize caps gRPC messages. Default 50MB.
	MaxMessageSize int
	// CircuitBreakerThreshold is the consecutive failures that open the circuit. Default 5.
	CircuitBreakerThreshold int
}

func (c *QdrantConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

func (c QdrantConfig) validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	case c.Collection == "":
		return fmt.Errorf("%w: collection required", ErrInvalidConfig)
	case c.Dimension <= 0:
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC failure is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if err == nil || !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store backed by a Qdrant server over gRPC.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantStore connects, checks health and ensures the collection and its
// payload indexes exist.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC connection is plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Health(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) fail(op string, err error) error {
	return &VectorStoreError{Backend: qdrantBackend, Op: op, Err: err}
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return s.fail("collection_exists", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return s.fail("create_collection", err)
	}

	indexes := map[string]qdrant.FieldType{
		keyDocumentID:  qdrant.FieldType_FieldTypeKeyword,
		keyInstitution: qdrant.FieldType_FieldTypeKeyword,
		keyChunkIndex:  qdrant.FieldType_FieldTypeInteger,
	}
	for field, typ := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.config.Collection,
			FieldName:      field,
			FieldType:      typ.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return s.fail("create_index", fmt.Errorf("%s: %w", field, err))
		}
	}
	s.logger.Info("created qdrant collection",
		zap.String("collection", s.config.Collection),
		zap.Int("dimension", s.config.Dimension),
	)
	return nil
}

// retry runs op with exponential backoff while failures are transient and
// the circuit is closed.
func (s *QdrantStore) retry(ctx context.Context, name string, op func() error) error {
	if s.circuitOpen() {
		return fmt.Errorf("%s: circuit breaker open", name)
	}
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			s.resetBreaker()
			return nil
		}
		s.recordFailure()
		if !IsTransientError(err) {
			return err
		}
		if attempt == s.config.MaxRetries || s.circuitOpen() {
			return fmt.Errorf("%s failed after %d retries: %w", name, attempt, err)
		}
		s.logger.Debug("retrying qdrant operation",
			zap.String("op", name), zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (s *QdrantStore) recordFailure() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures++
	s.breaker.lastFail = time.Now()
}

func (s *QdrantStore) resetBreaker() {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	s.breaker.failures = 0
}

// circuitOpen reports whether too many consecutive failures happened in
// the last 30 seconds.
func (s *QdrantStore) circuitOpen() bool {
	s.breaker.mu.Lock()
	defer s.breaker.mu.Unlock()
	if s.breaker.failures < s.config.CircuitBreakerThreshold {
		return false
	}
	if time.Since(s.breaker.lastFail) > 30*time.Second {
		s.breaker.failures = 0
		return false
	}
	return true
}

// BulkIndex replaces the chunks of documentID.
func (s *QdrantStore) BulkIndex(ctx context.Context, documentID string, chunks []Chunk) (ids []string, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.BulkIndex")
	defer span.End()
	start := time.Now()
	defer func() { observe(qdrantBackend, "bulk_index", start, err) }()

	span.SetAttributes(attribute.String("document_id", documentID), attribute.Int("chunks", len(chunks)))

	if err := validateChunks(documentID, chunks, s.config.Dimension); err != nil {
		return nil, err
	}
	if _, err := s.DeleteByDocument(ctx, documentID); err != nil {
		return nil, err
	}

	ids = make([]string, len(chunks))
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(payloadOf(c)),
		}
	}

	for lo := 0; lo < len(points); lo += upsertBatchSize {
		batch := points[lo:min(lo+upsertBatchSize, len(points))]
		err := s.retry(ctx, "upsert", func() error {
			_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: s.config.Collection,
				Wait:           qdrant.PtrOf(true),
				Points:         batch,
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, s.fail("bulk_index", err)
		}
	}

	ChunksIndexed.WithLabelValues(qdrantBackend).Add(float64(len(chunks)))
	span.SetStatus(codes.Ok, "indexed")
	return ids, nil
}

// Search runs an approximate nearest-neighbour query.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, req SearchRequest) (results []SearchResult, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	start := time.Now()
	defer func() { observe(qdrantBackend, "search", start, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := validateVector(vector, s.config.Dimension); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("k", req.K))

	query := &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(req.K)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(req.Filters),
	}
	if req.MinSimilarity > 0 {
		query.ScoreThreshold = qdrant.PtrOf(req.MinSimilarity)
	}

	var points []*qdrant.ScoredPoint
	err = s.retry(ctx, "search", func() error {
		res, err := s.client.Query(ctx, query)
		points = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.fail("search", err)
	}

	results = make([]SearchResult, len(points))
	for i, p := range points {
		results[i] = resultFromPoint(p)
	}
	results = finalize(results, req.MinSimilarity, req.K)
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// HybridSearch blends vector similarity with term overlap.
func (s *QdrantStore) HybridSearch(ctx context.Context, vector []float32, queryText string, req SearchRequest) ([]SearchResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.HybridSearch")
	defer span.End()
	return hybridSearch(ctx, s.Search, vector, queryText, req)
}

// DeleteByDocument removes every chunk of documentID.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) (n int, err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteByDocument")
	defer span.End()
	start := time.Now()
	defer func() { observe(qdrantBackend, "delete", start, err) }()

	if documentID == "" {
		return 0, fmt.Errorf("%w: document id required", ErrInvalidRequest)
	}
	n, err = s.Count(ctx, documentID)
	if err != nil || n == 0 {
		return 0, err
	}

	filter := &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(keyDocumentID, documentID)}}
	err = s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, s.fail("delete", err)
	}
	return n, nil
}

// Count returns the chunks of documentID, or all chunks when it is empty.
func (s *QdrantStore) Count(ctx context.Context, documentID string) (int, error) {
	req := &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Exact:          qdrant.PtrOf(true),
	}
	if documentID != "" {
		req.Filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(keyDocumentID, documentID)}}
	}
	var n uint64
	err := s.retry(ctx, "count", func() error {
		c, err := s.client.Count(ctx, req)
		n = c
		return err
	})
	if err != nil {
		return 0, s.fail("count", err)
	}
	return int(n), nil
}

// Health pings the server.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Health")
	defer span.End()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail("health", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func buildFilter(f Filters) *qdrant.Filter {
	if f.IsZero() {
		return nil
	}
	var must []*qdrant.Condition
	if f.Institution != "" {
		must = append(must, qdrant.NewMatch(keyInstitution, f.Institution))
	}
	if len(f.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords(keyDocumentID, f.DocumentIDs...))
	}
	return &qdrant.Filter{Must: must}
}

func payloadOf(c Chunk) map[string]any {
	p := map[string]any{
		keyContent:    c.Content,
		keyDocumentID: c.DocumentID,
		keyChunkIndex: int64(c.Index),
		keyPageNumber: int64(c.PageNumber),
		keyLineStart:  int64(c.LineStart),
		keyLineEnd:    int64(c.LineEnd),
	}
	if c.Institution != "" {
		p[keyInstitution] = c.Institution
	}
	if c.Title != "" {
		p[keyTitle] = c.Title
	}
	for k, v := range c.Metadata {
		p[metaPrefix+k] = v
	}
	return p
}

func resultFromPoint(p *qdrant.ScoredPoint) SearchResult {
	r := SearchResult{Similarity: clampScore(p.GetScore())}
	if id := p.GetId(); id != nil {
		r.ChunkID = id.GetUuid()
	}
	for k, v := range p.GetPayload() {
		switch k {
		case keyContent:
			r.Content = v.GetStringValue()
		case keyDocumentID:
			r.DocumentID = v.GetStringValue()
		case keyInstitution:
			r.Institution = v.GetStringValue()
		case keyTitle:
			r.Title = v.GetStringValue()
		case keyChunkIndex:
			r.ChunkIndex = int(v.GetIntegerValue())
		case keyPageNumber:
			r.PageNumber = int(v.GetIntegerValue())
		case keyLineStart:
			r.LineStart = int(v.GetIntegerValue())
		case keyLineEnd:
			r.LineEnd = int(v.GetIntegerValue())
		default:
			if name, ok := strings.CutPrefix(k, metaPrefix); ok {
				if r.Metadata == nil {
					r.Metadata = make(map[string]string)
				}
				r.Metadata[name] = v.GetStringValue()
			}
		}
	}
	return r
}

var _ Store = (*QdrantStore)(nil)
