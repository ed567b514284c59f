// Package workflows runs document ingestion as a Temporal workflow, so
// attempts and backoff survive a daemon restart.
package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/ingestion"
)

// TerminalErrorType is the application error type of failures that no
// retry can fix.
const TerminalErrorType = "TerminalIngestionError"

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "lexd-ingestion"

// IngestionInput is the workflow argument. The retry settings travel with
// it so replays use the values the run started with.
type IngestionInput struct {
	DocumentID        string
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// WorkflowID is the id of the ingestion workflow for a document.
func WorkflowID(documentID string) string {
	return "lexd-ingest-" + documentID
}

// IngestionWorkflow runs the ingestion activity under the input's retry
// policy. Terminal failures are not retried.
func IngestionWorkflow(ctx workflow.Context, in IngestionInput) (*ingestion.Result, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting document ingestion", "document_id", in.DocumentID)

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = ingestion.DefaultProcessingTimeout
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        in.InitialBackoff,
			BackoffCoefficient:     in.BackoffMultiplier,
			MaximumInterval:        in.MaxBackoff,
			MaximumAttempts:        int32(in.MaxAttempts),
			NonRetryableErrorTypes: []string{TerminalErrorType},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var acts *Activities
	var result ingestion.Result
	if err := workflow.ExecuteActivity(ctx, acts.IngestDocument, in.DocumentID).Get(ctx, &result); err != nil {
		logger.Error("Document ingestion failed", "document_id", in.DocumentID, "error", err)
		return nil, err
	}

	logger.Info("Document ingestion complete",
		"document_id", in.DocumentID,
		"chunks", result.Chunks,
		"attempt", result.Attempt)
	return &result, nil
}

// Activities holds the collaborators of the ingestion activity.
type Activities struct {
	runner ingestion.Runner
	logger *zap.Logger
}

// NewActivities wraps a single-attempt runner, normally *ingestion.Pipeline.
func NewActivities(runner ingestion.Runner, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{runner: runner, logger: logger}
}

// IngestDocument performs one ingestion attempt.
func (a *Activities) IngestDocument(ctx context.Context, documentID string) (*ingestion.Result, error) {
	res, err := a.runner.Run(ctx, documentID)
	if err == nil {
		return res, nil
	}
	terminal := ingestion.IsTerminal(err)
	activityErrors.Add(ctx, 1, metric.WithAttributes(attribute.Bool("terminal", terminal)))
	a.logger.Warn("ingestion activity failed",
		zap.String("document_id", documentID),
		zap.Bool("terminal", terminal),
		zap.Error(err))
	if terminal {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), TerminalErrorType, err)
	}
	return nil, err
}
