package ingestion

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/chunker"
	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/parser"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.attempt))
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	transient := errors.New("connection reset")

	assert.True(t, p.ShouldRetry(1, transient))
	assert.True(t, p.ShouldRetry(2, transient))
	assert.False(t, p.ShouldRetry(3, transient), "third attempt is the last")
	assert.False(t, p.ShouldRetry(1, nil))
	assert.False(t, p.ShouldRetry(1, &parser.ExtractionError{FileName: "a.pdf", Reason: "no text"}))
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"extraction", &parser.ExtractionError{Reason: "no text"}, true},
		{"wrapped extraction", fmt.Errorf("attempt: %w", &parser.ExtractionError{Reason: "x"}), true},
		{"chunking", &chunker.ChunkingError{Reason: "no chunks"}, true},
		{"missing document", fmt.Errorf("%w: d1", ErrDocumentMissing), true},
		{"transient", errors.New("timeout"), false},
		{"queue full", ErrQueueFull, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTerminal(tt.err))
		})
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.IngestionConfig{
		MaxAttempts:       5,
		InitialBackoff:    config.Duration(time.Second),
		BackoffMultiplier: 3,
	})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialBackoff)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, time.Minute, p.MaxBackoff, "unset fields take defaults")
	assert.Equal(t, 9*time.Second, p.Backoff(3))
}
