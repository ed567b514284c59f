package ingestion

import (
	"errors"
	"math"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/chunker"
	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/parser"
)

// RetryPolicy decides whether and when a failed ingestion attempt is
// repeated.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration
	// Multiplier grows the wait after each further failure.
	Multiplier float64
	// MaxBackoff caps the wait.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 2s, 4s waits capped at 1m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2,
		MaxBackoff:     time.Minute,
	}
}

// RetryPolicyFromConfig builds a policy from ingestion settings.
func RetryPolicyFromConfig(cfg config.IngestionConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff.Duration(),
		Multiplier:     cfg.BackoffMultiplier,
		MaxBackoff:     cfg.MaxBackoff.Duration(),
	}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills unset fields.
func (p *RetryPolicy) ApplyDefaults() {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if wait > float64(p.MaxBackoff) || math.IsInf(wait, 0) {
		return p.MaxBackoff
	}
	return time.Duration(wait)
}

// ShouldRetry reports whether another attempt follows attempt failing with err.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// ErrTerminal marks failures reported as terminal by a remote executor,
// where the original error type does not survive serialization.
var ErrTerminal = errors.New("terminal ingestion failure")

// IsTerminal reports whether err can never succeed on retry: the document
// yields no text or no chunks.
func IsTerminal(err error) bool {
	var extractErr *parser.ExtractionError
	var chunkErr *chunker.ChunkingError
	return errors.As(err, &extractErr) || errors.As(err, &chunkErr) ||
		errors.Is(err, ErrDocumentMissing) || errors.Is(err, ErrTerminal)
}
