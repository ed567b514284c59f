package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/ingestion"
)

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker registers the ingestion workflow and activity on taskQueue.
// The caller starts and stops the worker.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(IngestionWorkflow)
	w.RegisterActivity(acts)
	return w
}

// Executor implements ingestion.Executor by running IngestionWorkflow and
// waiting for its result. A workflow already running for the document is
// joined rather than started twice.
type Executor struct {
	client    client.Client
	taskQueue string
	policy    ingestion.RetryPolicy
	timeout   time.Duration
	logger    *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(c client.Client, taskQueue string, policy ingestion.RetryPolicy, timeout time.Duration, logger *zap.Logger) *Executor {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	policy.ApplyDefaults()
	if timeout <= 0 {
		timeout = ingestion.DefaultProcessingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{client: c, taskQueue: taskQueue, policy: policy, timeout: timeout, logger: logger}
}

// Execute starts or joins the document's workflow and blocks until it
// finishes or ctx is done. Terminal failures come back wrapping
// ingestion.ErrTerminal.
func (e *Executor) Execute(ctx context.Context, documentID string) (*ingestion.Result, error) {
	start := time.Now()
	opts := client.StartWorkflowOptions{
		ID:                       WorkflowID(documentID),
		TaskQueue:                e.taskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, IngestionWorkflow, IngestionInput{
		DocumentID:        documentID,
		MaxAttempts:       e.policy.MaxAttempts,
		InitialBackoff:    e.policy.InitialBackoff,
		BackoffMultiplier: e.policy.Multiplier,
		MaxBackoff:        e.policy.MaxBackoff,
		Timeout:           e.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}
	e.logger.Debug("ingestion workflow started",
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()))

	var res ingestion.Result
	err = run.Get(ctx, &res)
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	ingestionExecutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	ingestionDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var appErr *temporal.ApplicationError
		if errors.As(err, &appErr) && appErr.Type() == TerminalErrorType {
			return nil, fmt.Errorf("%w: %s", ingestion.ErrTerminal, appErr.Error())
		}
		return nil, fmt.Errorf("ingestion workflow %s: %w", run.GetID(), err)
	}
	return &res, nil
}
