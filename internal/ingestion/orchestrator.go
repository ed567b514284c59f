// Package ingestion turns uploaded documents into indexed vector chunks.
//
// A document moves pending → processing → completed | failed. The
// Orchestrator accepts ingestion requests, keeps at most one task per
// document in flight, runs tasks on a bounded worker pool through an
// Executor, and reports progress through a progress.Registry.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/logging"
	"github.com/fyrsmithlabs/lexd/internal/progress"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"go.uber.org/zap"
)

// TaskKind labels ingestion tasks in the progress registry.
const TaskKind = "ingestion"

var (
	// ErrDocumentMissing is returned when no document record exists.
	ErrDocumentMissing = errors.New("document does not exist")
	// ErrQueueFull is returned when the task queue has no room.
	ErrQueueFull = errors.New("ingestion queue is full")
	// ErrStopped is returned once the orchestrator has shut down.
	ErrStopped = errors.New("ingestion orchestrator stopped")
	// ErrProcessingTimeout is the failure recorded by the sweeper.
	ErrProcessingTimeout = errors.New("processing timed out")
)

// OrchestratorStore is the document state the orchestrator needs.
type OrchestratorStore interface {
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ResetForIngestion(ctx context.Context, id string, resetAttempts bool) error
	ListDocuments(ctx context.Context, f store.DocumentFilter) ([]store.Document, error)
}

// Options configures an Orchestrator.
type Options struct {
	Workers   int
	QueueSize int
	Logger    *logging.Logger
}

type task struct {
	started bool
	cancel  context.CancelFunc
}

// Orchestrator schedules ingestion tasks.
type Orchestrator struct {
	docs     OrchestratorStore
	executor Executor
	tasks    *progress.Registry
	logger   *logging.Logger
	workers  int
	queue    chan string

	mu       sync.Mutex
	inflight map[string]*task
	stopped  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. Call Start before tasks run;
// requests made earlier wait in the queue.
func NewOrchestrator(docs OrchestratorStore, executor Executor, tasks *progress.Registry, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Orchestrator{
		docs:     docs,
		executor: executor,
		tasks:    tasks,
		logger:   opts.Logger.Named("ingestion"),
		workers:  opts.Workers,
		queue:    make(chan string, opts.QueueSize),
		inflight: make(map[string]*task),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	o.logger.Info(ctx, "ingestion workers started", zap.Int("workers", o.workers))
}

// Stop refuses new work, cancels running tasks and waits for workers.
// Documents interrupted mid-task stay processing for Recover.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Ingest enqueues a document and returns its task id, which is the
// document id. A document already queued or running returns the existing
// task. Completed or failed documents are reset to pending first.
func (o *Orchestrator) Ingest(ctx context.Context, documentID string) (string, error) {
	return o.submit(ctx, documentID, false, false)
}

// Retry is a manual retry: like Ingest, but the attempt counter restarts.
func (o *Orchestrator) Retry(ctx context.Context, documentID string) (string, error) {
	return o.submit(ctx, documentID, true, false)
}

// Recover re-enqueues every document left pending or processing, for use
// at startup. It waits for queue room instead of failing.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	docs, err := o.docs.ListDocuments(ctx, store.DocumentFilter{
		ProcessingStatuses: []store.ProcessingStatus{store.StatusPending, store.StatusProcessing},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished documents: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, doc := range docs {
		if _, err := o.submit(ctx, doc.ID, false, true); err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", doc.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		o.logger.Info(ctx, "recovered unfinished documents", zap.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// TaskStatus returns task progress. When the registry has no entry, for
// instance after a restart, it is derived from the document record.
func (o *Orchestrator) TaskStatus(ctx context.Context, taskID string) (*progress.Task, error) {
	if t, err := o.tasks.Get(taskID); err == nil {
		return t, nil
	}
	doc, err := o.docs.GetDocument(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", progress.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return taskFromDocument(doc), nil
}

// Abandon drops in-flight tasks for documents the sweeper timed out and
// cancels their work. It implements the sweeper's callback.
func (o *Orchestrator) Abandon(ids []string) {
	for _, id := range ids {
		o.mu.Lock()
		t, ok := o.inflight[id]
		var cancel context.CancelFunc
		if ok {
			cancel = t.cancel
			delete(o.inflight, id)
		}
		o.mu.Unlock()
		if !ok {
			continue
		}
		if cancel != nil {
			cancel()
		}
		_ = o.tasks.Fail(id, ErrProcessingTimeout)
	}
}

// InFlight reports whether documentID has a queued or running task.
func (o *Orchestrator) InFlight(documentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[documentID]
	return ok
}

func (o *Orchestrator) submit(ctx context.Context, documentID string, resetAttempts, wait bool) (string, error) {
	doc, err := o.docs.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrDocumentMissing, documentID)
	}
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return "", ErrStopped
	}
	if _, ok := o.inflight[documentID]; ok {
		o.mu.Unlock()
		return documentID, nil
	}
	t := &task{}
	o.inflight[documentID] = t
	o.mu.Unlock()

	if doc.ProcessingStatus != store.StatusPending || resetAttempts {
		if err := o.docs.ResetForIngestion(ctx, documentID, resetAttempts); err != nil {
			o.release(documentID, t)
			return "", fmt.Errorf("reset document: %w", err)
		}
	}
	if err := o.tasks.Start(documentID, TaskKind); err != nil {
		o.logger.Warn(ctx, "task start event not published", zap.String("document_id", documentID), zap.Error(err))
	}

	if wait {
		select {
		case o.queue <- documentID:
		case <-ctx.Done():
			o.release(documentID, t)
			o.tasks.Forget(documentID)
			return "", ctx.Err()
		}
	} else {
		select {
		case o.queue <- documentID:
		default:
			o.release(documentID, t)
			_ = o.tasks.Fail(documentID, ErrQueueFull)
			return "", ErrQueueFull
		}
	}

	TasksQueued.Inc()
	QueueDepth.Set(float64(len(o.queue)))
	o.logger.Debug(ctx, "ingestion queued", zap.String("document_id", documentID))
	return documentID, nil
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			QueueDepth.Set(float64(len(o.queue)))
			o.process(ctx, id)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, documentID string) {
	o.mu.Lock()
	t, ok := o.inflight[documentID]
	if !ok || t.started {
		// Abandoned while queued, or a stale duplicate queue entry.
		o.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t.started = true
	t.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	taskCtx = logging.WithTaskID(logging.WithDocumentID(taskCtx, documentID), documentID)
	start := time.Now()
	res, err := o.executor.Execute(taskCtx, documentID)
	TaskDuration.Observe(time.Since(start).Seconds())

	if !o.release(documentID, t) {
		o.logger.Debug(taskCtx, "abandoned task finished", zap.Error(err))
		return
	}

	switch {
	case err == nil:
		TasksFinished.WithLabelValues("completed").Inc()
		_ = o.tasks.Complete(documentID, fmt.Sprintf("%d chunks indexed", res.Chunks))
	case ctx.Err() != nil:
		// Shutdown: the document stays processing and is recovered on restart.
		o.tasks.Forget(documentID)
	default:
		label := "failed"
		if IsTerminal(err) {
			label = "terminal"
		}
		TasksFinished.WithLabelValues(label).Inc()
		o.logger.Error(taskCtx, "document ingestion failed",
			zap.String("document_id", documentID),
			zap.Bool("terminal", IsTerminal(err)),
			zap.Error(err))
		_ = o.tasks.Fail(documentID, err)
	}
}

// release removes documentID from the in-flight set if t still owns it.
func (o *Orchestrator) release(documentID string, t *task) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[documentID] != t {
		return false
	}
	delete(o.inflight, documentID)
	return true
}

func taskFromDocument(doc *store.Document) *progress.Task {
	t := &progress.Task{
		ID:        doc.ID,
		Kind:      TaskKind,
		UpdatedAt: doc.UpdatedAt,
		StartedAt: doc.CreatedAt,
	}
	if doc.ProcessingStartedAt != nil {
		t.StartedAt = *doc.ProcessingStartedAt
	}
	switch doc.ProcessingStatus {
	case store.StatusCompleted:
		t.Status, t.Percent, t.Step = progress.StatusCompleted, 100, StepDone
		t.Message = fmt.Sprintf("%d chunks indexed", doc.ChunkCount)
	case store.StatusFailed:
		t.Status, t.Step, t.Error = progress.StatusFailed, "failed", doc.ErrorMessage
	case store.StatusProcessing:
		t.Status, t.Step = progress.StatusRunning, "processing"
	default:
		t.Status, t.Step = progress.StatusPending, "queued"
	}
	return t
}
