package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StepRetryWait is reported while a failed attempt waits for its backoff.
const StepRetryWait = "retry_wait"

// Runner performs a single ingestion attempt. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, documentID string) (*Result, error)
}

// Executor runs every attempt of one document's ingestion and returns the
// outcome of the last one.
type Executor interface {
	Execute(ctx context.Context, documentID string) (*Result, error)
}

// LocalExecutor retries a Runner in process according to a RetryPolicy.
type LocalExecutor struct {
	runner   Runner
	policy   RetryPolicy
	reporter Reporter
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewLocalExecutor creates a LocalExecutor. reporter may be nil.
func NewLocalExecutor(runner Runner, policy RetryPolicy, reporter Reporter, logger *zap.Logger) *LocalExecutor {
	policy.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalExecutor{runner: runner, policy: policy, reporter: reporter, logger: logger, sleep: sleepCtx}
}

// Execute runs attempts until one succeeds, the error is terminal, attempts
// run out or ctx is done.
func (e *LocalExecutor) Execute(ctx context.Context, documentID string) (*Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := e.runner.Run(ctx, documentID)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !e.policy.ShouldRetry(attempt, err) {
			if attempt > 1 {
				return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return nil, err
		}

		wait := e.policy.Backoff(attempt)
		e.logger.Warn("ingestion attempt failed, retrying",
			zap.String("document_id", documentID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.policy.MaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if e.reporter != nil {
			_ = e.reporter.Progress(documentID, 0, StepRetryWait)
		}
		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
