// Package query runs the question answering pipeline: classify, price,
// retrieve, generate, score and settle.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/credits"
	"github.com/fyrsmithlabs/lexd/internal/generation"
	"github.com/fyrsmithlabs/lexd/internal/intent"
	"github.com/fyrsmithlabs/lexd/internal/logging"
	"github.com/fyrsmithlabs/lexd/internal/reliability"
	"github.com/fyrsmithlabs/lexd/internal/search"
	"github.com/fyrsmithlabs/lexd/internal/sources"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

var tracer = otel.Tracer("lexd.query")

const (
	// NoResultsAnswer is returned when retrieval finds nothing.
	NoResultsAnswer = "Sorunuzla ilgili kaynak bulunamadı. Lütfen soruyu farklı ifade etmeyi veya filtreleri genişletmeyi deneyin."

	// LowConfidenceNotice prefixes answers whose confidence is below the
	// charging threshold.
	LowConfidenceNotice = "⚠ Düşük güvenilirlik: Bu yanıt kaynaklarla yeterince desteklenemedi. Kaynaklar gösterilmiyor ve ücret alınmadı."

	defaultMaxQueryRunes = 2000
)

var (
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrQueryTooLong is returned for queries over the length limit.
	ErrQueryTooLong = errors.New("query is too long")

	// ErrMissingUser is returned when a request has no user id.
	ErrMissingUser = errors.New("user id is required")
)

// Searcher retrieves chunks.
type Searcher interface {
	SearchWithStats(ctx context.Context, req search.Request) ([]vectorstore.SearchResult, search.Stats, error)
}

// Enhancer turns search results into sources.
type Enhancer interface {
	Enhance(ctx context.Context, results []vectorstore.SearchResult) []sources.Source
}

// Generator writes answers.
type Generator interface {
	Generate(ctx context.Context, in generation.Input) (*generation.Answer, error)
}

// Scorer rates answers.
type Scorer interface {
	Assess(in reliability.Input) reliability.Assessment
}

// CreditGate prices and charges queries.
type CreditGate interface {
	Cost(i intent.Intent, query string) int
	Check(ctx context.Context, userID string, cost int) (*store.Account, error)
	Settle(ctx context.Context, userID string, cost int, confidence float64, queryRef string) (*credits.Settlement, error)
	SettleTemplated(ctx context.Context, userID, queryRef string) (*credits.Settlement, error)
}

// Request is a user question.
type Request struct {
	Query     string              `json:"query"`
	UserID    string              `json:"-"`
	Filters   vectorstore.Filters `json:"filters"`
	Style     string              `json:"style,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	Threshold *float64            `json:"threshold,omitempty"`
	Hybrid    bool                `json:"hybrid,omitempty"`
}

// Stats are per-stage timings in milliseconds.
type Stats struct {
	ClassifyMS      int64 `json:"classify_ms"`
	CreditCheckMS   int64 `json:"credit_check_ms"`
	SearchMS        int64 `json:"search_ms"`
	EnhanceMS       int64 `json:"enhance_ms"`
	GenerateMS      int64 `json:"generate_ms"`
	ScoreMS         int64 `json:"score_ms"`
	SettleMS        int64 `json:"settle_ms"`
	TotalMS         int64 `json:"total_ms"`
	EmbeddingCached bool  `json:"embedding_cached"`
	ResultsCached   bool  `json:"results_cached"`
}

// Response is the answer to a Request.
type Response struct {
	ID            string                 `json:"id"`
	Query         string                 `json:"query"`
	Intent        intent.Intent          `json:"intent"`
	Answer        string                 `json:"answer"`
	Confidence    float64                `json:"confidence"`
	Breakdown     *reliability.Breakdown `json:"confidence_breakdown,omitempty"`
	LowConfidence bool                   `json:"low_confidence"`
	Sources       []sources.Source       `json:"sources"`
	Cost          int                    `json:"cost"`
	Charged       int                    `json:"credits_charged"`
	Balance       int                    `json:"balance"`
	Strategy      generation.Strategy    `json:"strategy,omitempty"`
	FallbackUsed  bool                   `json:"fallback_used,omitempty"`
	Stats         Stats                  `json:"stats"`
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Search    Searcher
	Enhancer  Enhancer
	Generator Generator
	Scorer    Scorer
	Credits   CreditGate
	// ConfidenceThreshold must match the credit gate's waiver threshold.
	ConfidenceThreshold float64
	MaxQueryLength      int
	Logger              *logging.Logger
}

// Processor runs queries.
type Processor struct {
	deps   Deps
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Processor.
func New(deps Deps) (*Processor, error) {
	if deps.Search == nil || deps.Enhancer == nil || deps.Generator == nil || deps.Scorer == nil || deps.Credits == nil {
		return nil, errors.New("query: search, enhancer, generator, scorer and credits are required")
	}
	if deps.MaxQueryLength <= 0 {
		deps.MaxQueryLength = defaultMaxQueryRunes
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Processor{deps: deps, logger: logger.Named("query"), now: time.Now}, nil
}

// ProcessQuery answers req. Credits are checked before any retrieval and
// charged only after a successful answer; a failed generation is never
// charged.
func (p *Processor) ProcessQuery(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "query.ProcessQuery")
	defer span.End()
	start := p.now()
	ctx = logging.WithUserID(ctx, req.UserID)

	resp, err := p.process(ctx, req)
	outcome := "success"
	switch {
	case err != nil:
		outcome = errorOutcome(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp.LowConfidence:
		outcome = "low_confidence"
	}
	in := intent.Ambiguous
	if resp != nil {
		in = resp.Intent
		resp.Stats.TotalMS = p.since(start)
		Duration.WithLabelValues(string(in)).Observe(time.Since(start).Seconds())
	}
	Queries.WithLabelValues(string(in), outcome).Inc()
	span.SetAttributes(attribute.String("intent", string(in)), attribute.String("outcome", outcome))
	return resp, err
}

func (p *Processor) process(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if n := utf8.RuneCountInString(query); n > p.deps.MaxQueryLength {
		return nil, fmt.Errorf("%w: %d runes, limit %d", ErrQueryTooLong, n, p.deps.MaxQueryLength)
	}
	if req.UserID == "" {
		return nil, ErrMissingUser
	}

	resp := &Response{ID: uuid.NewString(), Query: query, Sources: []sources.Source{}}

	mark := p.now()
	resp.Intent = intent.Classify(query)
	resp.Cost = p.deps.Credits.Cost(resp.Intent, query)
	resp.Stats.ClassifyMS = p.since(mark)

	mark = p.now()
	if _, err := p.deps.Credits.Check(ctx, req.UserID, resp.Cost); err != nil {
		return nil, err
	}
	resp.Stats.CreditCheckMS = p.since(mark)

	if resp.Intent != intent.LegalQuestion {
		return p.templated(ctx, req, resp)
	}
	return p.legal(ctx, req, resp)
}

func (p *Processor) templated(ctx context.Context, req Request, resp *Response) (*Response, error) {
	resp.Answer = intent.TemplatedFor(resp.Intent, resp.Query)
	resp.Confidence = 1

	mark := p.now()
	s, err := p.deps.Credits.SettleTemplated(ctx, req.UserID, resp.ID)
	if err != nil {
		return nil, err
	}
	resp.Stats.SettleMS = p.since(mark)
	resp.Charged, resp.Balance = s.Charged, s.Balance
	p.logger.Info(ctx, "templated reply served",
		zap.String("intent", string(resp.Intent)), zap.Int("charged", s.Charged))
	return resp, nil
}

func (p *Processor) legal(ctx context.Context, req Request, resp *Response) (*Response, error) {
	mark := p.now()
	results, stats, err := p.deps.Search.SearchWithStats(ctx, search.Request{
		Query:     resp.Query,
		Limit:     req.Limit,
		Threshold: req.Threshold,
		Filters:   req.Filters,
		Hybrid:    req.Hybrid,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	resp.Stats.SearchMS = p.since(mark)
	resp.Stats.EmbeddingCached, resp.Stats.ResultsCached = stats.EmbeddingCached, stats.ResultsCached

	mark = p.now()
	srcs := p.deps.Enhancer.Enhance(ctx, results)
	resp.Stats.EnhanceMS = p.since(mark)

	if len(srcs) == 0 {
		resp.Answer = NoResultsAnswer
	} else {
		mark = p.now()
		ans, err := p.deps.Generator.Generate(ctx, generation.Input{Query: resp.Query, Sources: srcs, Style: req.Style})
		if err != nil {
			p.logger.Warn(ctx, "answer generation failed, not charging", zap.Error(err))
			return nil, fmt.Errorf("generate: %w", err)
		}
		resp.Stats.GenerateMS = p.since(mark)
		resp.Answer = ans.Text
		resp.Strategy, resp.FallbackUsed = ans.Strategy, ans.FallbackUsed
	}

	mark = p.now()
	assessment := p.deps.Scorer.Assess(reliability.Input{Query: resp.Query, Answer: resp.Answer, Sources: srcs})
	resp.Stats.ScoreMS = p.since(mark)
	resp.Confidence = assessment.Score
	resp.Breakdown = &assessment.Breakdown

	mark = p.now()
	s, err := p.deps.Credits.Settle(ctx, req.UserID, resp.Cost, resp.Confidence, resp.ID)
	if err != nil {
		return nil, err
	}
	resp.Stats.SettleMS = p.since(mark)
	resp.Charged, resp.Balance = s.Charged, s.Balance

	if resp.Confidence < p.deps.ConfidenceThreshold || s.LowConfidence {
		resp.LowConfidence = true
		resp.Answer = LowConfidenceNotice + "\n\n" + resp.Answer
	} else {
		resp.Sources = srcs
	}

	p.logger.Info(ctx, "legal query answered",
		zap.String("query_id", resp.ID),
		zap.Int("sources", len(srcs)),
		zap.Float64("confidence", resp.Confidence),
		zap.Bool("low_confidence", resp.LowConfidence),
		zap.Int("charged", resp.Charged),
		zap.Bool("fallback_used", resp.FallbackUsed))
	return resp, nil
}

func (p *Processor) since(t time.Time) int64 { return p.now().Sub(t).Milliseconds() }

func errorOutcome(err error) string {
	var (
		cie *credits.CreditInsufficientError
		pce *generation.ProviderCapacityError
	)
	switch {
	case errors.As(err, &cie):
		return "insufficient_credits"
	case errors.As(err, &pce):
		return "provider_capacity"
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrQueryTooLong), errors.Is(err, ErrMissingUser):
		return "invalid"
	}
	return "error"
}
