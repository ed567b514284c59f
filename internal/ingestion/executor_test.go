package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner returns errs in order, then succeeds.
type scriptedRunner struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRunner) Run(_ context.Context, id string) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= len(r.errs) {
		return nil, r.errs[r.calls-1]
	}
	return &Result{DocumentID: id, Attempt: r.calls, Chunks: 4}, nil
}

func newTestExecutor(runner Runner, reporter Reporter) (*LocalExecutor, *[]time.Duration) {
	var waits []time.Duration
	e := NewLocalExecutor(runner, DefaultRetryPolicy(), reporter, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return e, &waits
}

func TestLocalExecutor_RetriesTransientFailures(t *testing.T) {
	runner := &scriptedRunner{errs: []error{errBackendDown, errBackendDown}}
	reporter := &recordingReporter{}
	e, waits := newTestExecutor(runner, reporter)

	res, err := e.Execute(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *waits)
	assert.Equal(t, []string{StepRetryWait, StepRetryWait}, reporter.steps())
}

func TestLocalExecutor_GivesUpAfterMaxAttempts(t *testing.T) {
	runner := &scriptedRunner{errs: []error{errBackendDown, errBackendDown, errBackendDown, errBackendDown}}
	e, _ := newTestExecutor(runner, nil)

	_, err := e.Execute(context.Background(), "doc-1")
	require.ErrorIs(t, err, errBackendDown)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, runner.calls)
}

func TestLocalExecutor_TerminalErrorStopsImmediately(t *testing.T) {
	terminal := &parser.ExtractionError{FileName: "scan.pdf", Reason: "no text in any of 2 pages"}
	runner := &scriptedRunner{errs: []error{terminal}}
	e, waits := newTestExecutor(runner, nil)

	_, err := e.Execute(context.Background(), "doc-1")
	var extractErr *parser.ExtractionError
	require.True(t, errors.As(err, &extractErr))
	assert.Equal(t, 1, runner.calls)
	assert.Empty(t, *waits)
}

func TestLocalExecutor_CancelDuringBackoff(t *testing.T) {
	runner := &scriptedRunner{errs: []error{errBackendDown, errBackendDown}}
	e := NewLocalExecutor(runner, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, "doc-1")
		done <- err
	}()

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.calls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("executor did not stop on cancel")
	}
}
