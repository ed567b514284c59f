package embeddings

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 32
	defaultConcurrency = 2
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBatchSize sets how many texts go into one provider call.
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of provider calls in flight per batch.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client enforces a fixed vector dimension over a Provider.
type Client struct {
	provider    Provider
	model       string
	dimension   int
	batchSize   int
	concurrency int
	logger      *zap.Logger
	metrics     *Metrics
}

// NewClient wraps provider. Every vector it returns has length dimension.
func NewClient(provider Provider, model string, dimension int, opts ...ClientOption) *Client {
	c := &Client{
		provider:    provider,
		model:       model,
		dimension:   dimension,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if native := provider.Dimension(); native != 0 && native != dimension {
		c.logger.Warn("provider dimension differs from configured dimension",
			zap.String("model", model), zap.Int("provider", native), zap.Int("configured", dimension))
	}
	return c
}

// Dimension returns the enforced vector length.
func (c *Client) Dimension() int { return c.dimension }

// Embed embeds a single query text.
func (c *Client) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() { c.metrics.Record(ctx, c.model, "embed", time.Since(start), 1, err) }()

	v, err := c.provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, c.providerError(err)
	}
	if len(v) != c.dimension {
		return nil, &EmbeddingError{Kind: KindDimensionMismatch, Model: c.model, Expected: c.dimension, Got: len(v), Index: 0}
	}
	return v, nil
}

// EmbedBatch embeds texts in provider-sized groups, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) (vecs [][]float32, err error) {
	start := time.Now()
	defer func() { c.metrics.Record(ctx, c.model, "embed_batch", time.Since(start), len(texts), err) }()

	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for lo := 0; lo < len(texts); lo += c.batchSize {
		hi := min(lo+c.batchSize, len(texts))
		g.Go(func() error {
			vectors, err := c.provider.EmbedDocuments(gctx, texts[lo:hi])
			if err != nil {
				return c.providerError(err)
			}
			if len(vectors) != hi-lo {
				return &EmbeddingError{Kind: KindCount, Model: c.model, Expected: hi - lo, Got: len(vectors), Index: -1}
			}
			for i, v := range vectors {
				if len(v) != c.dimension {
					return &EmbeddingError{Kind: KindDimensionMismatch, Model: c.model, Expected: c.dimension, Got: len(v), Index: lo + i}
				}
				out[lo+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("embedding batch failed", zap.Int("texts", len(texts)), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// Close closes the provider.
func (c *Client) Close() error { return c.provider.Close() }

func (c *Client) providerError(err error) error {
	if ee, ok := err.(*EmbeddingError); ok {
		return ee
	}
	return &EmbeddingError{Kind: KindProvider, Model: c.model, Index: -1, Err: err}
}
