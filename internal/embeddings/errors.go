package embeddings

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorKind classifies an EmbeddingError.
type ErrorKind string

const (
	// KindDimensionMismatch means a vector did not have the configured length.
	KindDimensionMismatch ErrorKind = "dimension_mismatch"
	// KindProvider means the provider call itself failed.
	KindProvider ErrorKind = "provider"
	// KindCount means the provider returned a different number of vectors than inputs.
	KindCount ErrorKind = "count_mismatch"
)

// EmbeddingError reports a failed or malformed embedding. Ingestion treats
// it as retryable.
type EmbeddingError struct {
	Kind     ErrorKind
	Model    string
	Expected int
	Got      int
	// Index is the position of the offending text in the batch, or -1.
	Index int
	Err   error
}

func (e *EmbeddingError) Error() string {
	switch e.Kind {
	case KindDimensionMismatch:
		return fmt.Sprintf("embedding %s: vector %d has dimension %d, want %d", e.Model, e.Index, e.Got, e.Expected)
	case KindCount:
		return fmt.Sprintf("embedding %s: got %d vectors for %d texts", e.Model, e.Got, e.Expected)
	default:
		return fmt.Sprintf("embedding %s: %v", e.Model, e.Err)
	}
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func kindOf(err error) ErrorKind {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindProvider
}
