package ingestion

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/logging"
	"go.uber.org/zap"
)

const (
	DefaultSweepInterval     = time.Minute
	DefaultProcessingTimeout = 30 * time.Minute
)

// StaleFailer marks documents stuck in processing as failed.
type StaleFailer interface {
	FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error)
}

// Abandoner drops in-memory tasks of swept documents.
type Abandoner interface {
	Abandon(ids []string)
}

// Sweeper periodically fails documents that have been processing longer
// than the timeout.
type Sweeper struct {
	docs      StaleFailer
	abandoner Abandoner
	interval  time.Duration
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper. abandoner may be nil.
func NewSweeper(docs StaleFailer, abandoner Abandoner, interval, timeout time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sweeper{
		docs:      docs,
		abandoner: abandoner,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.Named("sweeper"),
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn(ctx, "sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns the ids it failed.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := s.docs.FailStale(ctx, s.now().Add(-s.timeout), ErrProcessingTimeout.Error())
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	DocumentsSwept.Add(float64(len(ids)))
	if s.abandoner != nil {
		s.abandoner.Abandon(ids)
	}
	for _, id := range ids {
		s.logger.Error(ctx, "document processing timed out",
			zap.String("document_id", id), zap.Duration("timeout", s.timeout))
	}
	return ids, nil
}
