package generation

import (
	"context"
	"strings"
	"sync"
)

// StaticProvider answers without a model. It serves offline deployments
// and tests: it echoes the first numbered source of the prompt, or a fixed
// reply when one is set. Err, when set, is returned instead.
type StaticProvider struct {
	Strategy Strategy
	Reply    string
	Err      error

	mu    sync.Mutex
	calls []Request
}

// NewStaticProvider returns a provider registered as StrategyStatic.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{Strategy: StrategyStatic}
}

// Name returns the configured strategy, StrategyStatic by default.
func (p *StaticProvider) Name() Strategy {
	if p.Strategy == "" {
		return StrategyStatic
	}
	return p.Strategy
}

// Generate records the call and returns the canned answer.
func (p *StaticProvider) Generate(ctx context.Context, req Request) (Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if p.Err != nil {
		return Response{}, p.Err
	}
	text := p.Reply
	if text == "" {
		text = echoFirstSource(req.UserPrompt)
	}
	words := len(strings.Fields(req.SystemPrompt)) + len(strings.Fields(req.UserPrompt))
	out := len(strings.Fields(text))
	return Response{
		Text:  text,
		Usage: Usage{Prompt: words, Completion: out, Total: words + out},
		Model: string(p.Name()),
	}, nil
}

// Calls returns the requests seen so far.
func (p *StaticProvider) Calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}

func echoFirstSource(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "[1]") && i+1 < len(lines) {
			return strings.TrimSpace(lines[i+1]) + " [1]"
		}
	}
	return noSourceAnswer
}
