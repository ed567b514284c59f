// Package generation produces grounded answers from retrieved sources
// through pluggable LLM providers, with a capacity-triggered fallback.
package generation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/fyrsmithlabs/lexd/internal/config"
)

// Strategy names a generation provider.
type Strategy string

const (
	StrategyOpenAI    Strategy = "openai"
	StrategyAnthropic Strategy = "anthropic"
	StrategyStatic    Strategy = "static"
)

// Params are per-call model settings resolved from the generation config.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Request is one provider call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Params       Params
}

// Usage reports token consumption.
type Usage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Response is a provider's answer.
type Response struct {
	Text  string
	Usage Usage
	Model string
}

// Provider generates text.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() Strategy
}

var (
	// ErrUnknownStrategy is returned for strategies with no registered provider.
	ErrUnknownStrategy = errors.New("unknown generation strategy")

	// ErrEmptyResponse is returned when a provider answers with no text.
	ErrEmptyResponse = errors.New("provider returned an empty response")
)

// ProviderCapacityError reports that a provider is rate limited or
// overloaded and no fallback could take over.
type ProviderCapacityError struct {
	Strategy Strategy
	Err      error
}

func (e *ProviderCapacityError) Error() string {
	return fmt.Sprintf("provider %s at capacity: %v", e.Strategy, e.Err)
}

func (e *ProviderCapacityError) Unwrap() error { return e.Err }

var capacityPattern = regexp.MustCompile(`\b(429|529)\b|rate.?limit|quota|overloaded|too many requests|capacity`)

// IsCapacityError reports whether err means the provider cannot take more
// work right now. A bare timeout is not a capacity error.
func IsCapacityError(err error) bool {
	if err == nil {
		return false
	}
	var pce *ProviderCapacityError
	if errors.As(err, &pce) {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode == 529) {
		return true
	}
	return capacityPattern.MatchString(strings.ToLower(err.Error()))
}

// Registry maps strategies to providers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	providers map[Strategy]Provider
}

// NewRegistry registers providers under their own names.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Strategy]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Get returns the provider of s.
func (r *Registry) Get(s Strategy) (Provider, error) {
	p, ok := r.providers[s]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return p, nil
}

// Strategies lists the registered strategies in name order.
func (r *Registry) Strategies() []Strategy {
	out := make([]Strategy, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewRegistryFromConfig registers the OpenAI and Anthropic providers that
// have a model configured, plus the static provider.
func NewRegistryFromConfig(cfg config.GenerationConfig) (*Registry, error) {
	providers := []Provider{NewStaticProvider()}
	if cfg.OpenAI.Model != "" {
		p, err := NewOpenAIProvider(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	if cfg.Anthropic.Model != "" {
		p, err := NewAnthropicProvider(cfg.Anthropic)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return NewRegistry(providers...), nil
}
