package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/redact"
	"github.com/fyrsmithlabs/lexd/internal/sources"
	"github.com/fyrsmithlabs/lexd/internal/store"
)

var tracer = otel.Tracer("lexd.generation")

const defaultTimeout = 60 * time.Second

// ConfigProvider resolves the generation config for a call.
type ConfigProvider interface {
	Get(ctx context.Context) (store.GenerationConfig, error)
}

// Input is a question with its retrieved sources.
type Input struct {
	Query   string
	Sources []sources.Source
	// Style overrides the configured style when set.
	Style string
}

// Answer is a generated, post-processed answer.
type Answer struct {
	Text         string
	Strategy     Strategy
	Model        string
	FallbackUsed bool
	Usage        Usage
	Duration     time.Duration
}

// Generator runs the primary provider and falls back once on capacity
// errors.
type Generator struct {
	registry *Registry
	configs  ConfigProvider
	redactor *redact.Redactor
	timeout  time.Duration
	logger   *zap.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithRedactor scrubs prompts before they are sent.
func WithRedactor(r *redact.Redactor) GeneratorOption {
	return func(g *Generator) { g.redactor = r }
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator creates a Generator.
func NewGenerator(registry *Registry, configs ConfigProvider, opts ...GeneratorOption) (*Generator, error) {
	if registry == nil || configs == nil {
		return nil, errors.New("generation: registry and config source are required")
	}
	g := &Generator{
		registry: registry,
		configs:  configs,
		timeout:  defaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate answers in.Query from in.Sources. A capacity error from the
// primary provider triggers exactly one fallback call; other errors are
// returned as they are. A capacity error with nowhere to fall back to is a
// *ProviderCapacityError.
func (g *Generator) Generate(ctx context.Context, in Input) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "generation.Generate")
	defer span.End()
	start := time.Now()

	cfg, err := g.configs.Get(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	primary := Strategy(cfg.Primary)
	fallback := Strategy(cfg.Fallback)
	span.SetAttributes(
		attribute.String("primary", string(primary)),
		attribute.String("fallback", string(fallback)),
		attribute.Int("sources", len(in.Sources)))

	styleName := in.Style
	if styleName == "" {
		styleName = cfg.Style
	}
	style, _ := ParseStyle(styleName)
	system, user := BuildPrompt(in.Query, in.Sources, style)
	if g.redactor.Enabled() {
		system = g.redactor.String(system)
		user = g.redactor.String(user)
	}
	req := Request{SystemPrompt: system, UserPrompt: user}

	resp, err := g.call(ctx, primary, cfg, req)
	used := primary
	fallbackUsed := false
	if err != nil {
		if !IsCapacityError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if fallback == "" || fallback == primary {
			span.SetStatus(codes.Error, "capacity")
			return nil, &ProviderCapacityError{Strategy: primary, Err: err}
		}
		if _, lookupErr := g.registry.Get(fallback); lookupErr != nil {
			g.logger.Warn("fallback provider not registered", zap.String("fallback", string(fallback)))
			return nil, &ProviderCapacityError{Strategy: primary, Err: err}
		}

		g.logger.Warn("primary provider at capacity, using fallback",
			zap.String("primary", string(primary)),
			zap.String("fallback", string(fallback)),
			zap.Error(err))
		Fallbacks.WithLabelValues(string(primary), string(fallback)).Inc()
		resp, err = g.call(ctx, fallback, cfg, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if IsCapacityError(err) {
				return nil, &ProviderCapacityError{Strategy: fallback, Err: err}
			}
			return nil, fmt.Errorf("fallback %s: %w", fallback, err)
		}
		used, fallbackUsed = fallback, true
	}

	answer := &Answer{
		Text:         Deduplicate(resp.Text),
		Strategy:     used,
		Model:        resp.Model,
		FallbackUsed: fallbackUsed,
		Usage:        resp.Usage,
		Duration:     time.Since(start),
	}
	span.SetAttributes(attribute.String("strategy", string(used)), attribute.Bool("fallback_used", fallbackUsed))
	return answer, nil
}

// call runs one provider under the per-call timeout.
func (g *Generator) call(ctx context.Context, s Strategy, cfg store.GenerationConfig, req Request) (Response, error) {
	p, err := g.registry.Get(s)
	if err != nil {
		return Response{}, err
	}
	req.Params = paramsFor(s, cfg)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()
	resp, err := p.Generate(callCtx, req)
	Latency.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		Calls.WithLabelValues(string(s), "success").Inc()
		Tokens.WithLabelValues(string(s), "prompt").Add(float64(resp.Usage.Prompt))
		Tokens.WithLabelValues(string(s), "completion").Add(float64(resp.Usage.Completion))
		g.logger.Debug("provider call complete",
			zap.String("strategy", string(s)),
			zap.String("model", resp.Model),
			zap.Int("total_tokens", resp.Usage.Total),
			zap.Duration("duration", time.Since(start)))
	case IsCapacityError(err):
		Calls.WithLabelValues(string(s), "capacity").Inc()
	default:
		Calls.WithLabelValues(string(s), "error").Inc()
	}
	return resp, err
}

func paramsFor(s Strategy, cfg store.GenerationConfig) Params {
	p := Params{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	switch s {
	case StrategyOpenAI:
		p.Model = cfg.OpenAIModel
	case StrategyAnthropic:
		p.Model = cfg.AnthropicModel
	}
	return p
}
