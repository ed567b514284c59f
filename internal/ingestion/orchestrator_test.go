package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/logging"
	"github.com/fyrsmithlabs/lexd/internal/progress"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// blockingExecutor holds every task until release is closed or the task
// context ends.
type blockingExecutor struct {
	release chan struct{}

	mu       sync.Mutex
	calls    map[string]int
	canceled map[string]bool
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		release:  make(chan struct{}),
		calls:    make(map[string]int),
		canceled: make(map[string]bool),
	}
}

func (e *blockingExecutor) Execute(ctx context.Context, id string) (*Result, error) {
	e.mu.Lock()
	e.calls[id]++
	e.mu.Unlock()
	select {
	case <-e.release:
		return &Result{DocumentID: id, Chunks: 7}, nil
	case <-ctx.Done():
		e.mu.Lock()
		e.canceled[id] = true
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (e *blockingExecutor) callCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func (e *blockingExecutor) wasCanceled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled[id]
}

func waitForStatus(t *testing.T, o *Orchestrator, id string, want progress.Status) *progress.Task {
	t.Helper()
	var task *progress.Task
	require.Eventually(t, func() bool {
		got, err := o.TaskStatus(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestOrchestrator_IngestEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, "doc-1", "is-kanunu.txt", legalText(2))

	registry := progress.NewRegistry(nil)
	env.pipeline.reporter = registry
	executor := NewLocalExecutor(env.pipeline, DefaultRetryPolicy(), registry, nil)
	o := NewOrchestrator(env.store, executor, registry, Options{Workers: 2})
	o.Start(context.Background())
	t.Cleanup(o.Stop)

	taskID, err := o.Ingest(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", taskID)

	task := waitForStatus(t, o, taskID, progress.StatusCompleted)
	assert.Equal(t, 100, task.Percent)
	assert.Contains(t, task.Message, "chunks indexed")
	assert.Equal(t, store.StatusCompleted, env.status(t, "doc-1"))
	assert.False(t, o.InFlight("doc-1"))
}

func TestOrchestrator_IngestIsIdempotentWhileInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, "doc-1", "a.txt", legalText(1))

	exec := newBlockingExecutor()
	o := NewOrchestrator(env.store, exec, env.registry, Options{Workers: 2})
	o.Start(context.Background())
	t.Cleanup(o.Stop)

	first, err := o.Ingest(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.callCount("doc-1") == 1 }, time.Second, 5*time.Millisecond)

	second, err := o.Ingest(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, o.InFlight("doc-1"))

	close(exec.release)
	waitForStatus(t, o, "doc-1", progress.StatusCompleted)
	assert.Equal(t, 1, exec.callCount("doc-1"))
}

func TestOrchestrator_QueueFull(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, "doc-1", "a.txt", legalText(1))
	env.addDocument(t, "doc-2", "b.txt", legalText(1))

	// Not started: nothing drains the queue.
	o := NewOrchestrator(env.store, newBlockingExecutor(), env.registry, Options{QueueSize: 1})

	_, err := o.Ingest(context.Background(), "doc-1")
	require.NoError(t, err)
	_, err = o.Ingest(context.Background(), "doc-2")
	require.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, o.InFlight("doc-2"))

	task, err := env.registry.Get("doc-2")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, task.Status)
}

func TestOrchestrator_UnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	o := NewOrchestrator(env.store, newBlockingExecutor(), env.registry, Options{})

	_, err := o.Ingest(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrDocumentMissing)

	_, err = o.TaskStatus(context.Background(), "ghost")
	require.ErrorIs(t, err, progress.ErrNotFound)
}

func TestOrchestrator_ReingestResetsFinishedDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addDocument(t, "doc-1", "a.txt", legalText(1))
	_, err := env.store.MarkProcessing(ctx, "doc-1")
	require.NoError(t, err)
	require.NoError(t, env.store.MarkFailed(ctx, "doc-1", "boom"))

	o := NewOrchestrator(env.store, newBlockingExecutor(), env.registry, Options{})
	_, err = o.Retry(ctx, "doc-1")
	require.NoError(t, err)

	doc, err := env.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, doc.ProcessingStatus)
	assert.Equal(t, 0, doc.Attempts)
	assert.Empty(t, doc.ErrorMessage)
}

func TestOrchestrator_Recover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addDocument(t, "pending", "a.txt", legalText(1))
	env.addDocument(t, "interrupted", "b.txt", legalText(1))
	env.addDocument(t, "done", "c.txt", legalText(1))

	_, err := env.store.MarkProcessing(ctx, "interrupted")
	require.NoError(t, err)
	_, err = env.pipeline.Run(ctx, "done")
	require.NoError(t, err)

	log := logging.NewTestLogger()
	executor := NewLocalExecutor(env.pipeline, DefaultRetryPolicy(), nil, nil)
	o := NewOrchestrator(env.store, executor, env.registry, Options{Workers: 1, QueueSize: 1, Logger: log.Logger})
	o.Start(ctx)
	t.Cleanup(o.Stop)

	n, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waitForStatus(t, o, "pending", progress.StatusCompleted)
	waitForStatus(t, o, "interrupted", progress.StatusCompleted)
	assert.Equal(t, store.StatusCompleted, env.status(t, "interrupted"))
	log.AssertLogged(t, zapcore.InfoLevel, "recovered unfinished documents")
}

func TestOrchestrator_Abandon(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, "doc-1", "a.txt", legalText(1))

	exec := newBlockingExecutor()
	o := NewOrchestrator(env.store, exec, env.registry, Options{Workers: 1})
	o.Start(context.Background())
	t.Cleanup(o.Stop)

	_, err := o.Ingest(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.callCount("doc-1") == 1 }, time.Second, 5*time.Millisecond)

	o.Abandon([]string{"doc-1", "not-running"})

	require.Eventually(t, func() bool { return exec.wasCanceled("doc-1") }, time.Second, 5*time.Millisecond)
	assert.False(t, o.InFlight("doc-1"))
	task, err := env.registry.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, task.Status)
	assert.Equal(t, ErrProcessingTimeout.Error(), task.Error)
}

func TestOrchestrator_TaskStatusFromDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addDocument(t, "doc-1", "a.txt", legalText(2))
	res, err := env.pipeline.Run(ctx, "doc-1")
	require.NoError(t, err)

	// A fresh registry, as after a restart.
	o := NewOrchestrator(env.store, newBlockingExecutor(), progress.NewRegistry(nil), Options{})
	task, err := o.TaskStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Percent)
	assert.Equal(t, StepDone, task.Step)
	assert.Contains(t, task.Message, "chunks indexed")
	assert.NotZero(t, res.Chunks)
}

func TestOrchestrator_StopRefusesWork(t *testing.T) {
	env := newTestEnv(t)
	env.addDocument(t, "doc-1", "a.txt", legalText(1))

	exec := newBlockingExecutor()
	o := NewOrchestrator(env.store, exec, env.registry, Options{Workers: 1})
	o.Start(context.Background())

	_, err := o.Ingest(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return exec.callCount("doc-1") == 1 }, time.Second, 5*time.Millisecond)

	o.Stop()
	assert.True(t, exec.wasCanceled("doc-1"))
	_, err = o.Ingest(context.Background(), "doc-1")
	require.ErrorIs(t, err, ErrStopped)
	_, err = env.registry.Get("doc-1")
	require.ErrorIs(t, err, progress.ErrNotFound, "interrupted task is forgotten, not failed")
}
