package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksQueued counts accepted ingestion requests.
	TasksQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "ingestion",
		Name:      "tasks_queued_total",
		Help:      "Ingestion tasks accepted into the queue",
	})

	// TasksFinished counts tasks by outcome.
	// Labels: result (completed, failed, terminal)
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "ingestion",
		Name:      "tasks_finished_total",
		Help:      "Ingestion tasks finished by outcome",
	}, []string{"result"})

	// TaskDuration covers every attempt of a task, backoff included.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lexd",
		Subsystem: "ingestion",
		Name:      "task_duration_seconds",
		Help:      "Wall time of ingestion tasks in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// QueueDepth is the number of queued, not yet started tasks.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lexd",
		Subsystem: "ingestion",
		Name:      "queue_depth",
		Help:      "Ingestion tasks waiting for a worker",
	})

	// DocumentsSwept counts documents failed by the stale-processing sweeper.
	DocumentsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "ingestion",
		Name:      "documents_swept_total",
		Help:      "Documents marked failed after exceeding the processing timeout",
	})
)
