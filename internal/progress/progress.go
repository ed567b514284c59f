// Package progress tracks long-running tasks and publishes their lifecycle
// events to NATS.
//
// Events are published as JSON to subjects of the form
//
//	lexd.tasks.<task_id>.started
//	lexd.tasks.<task_id>.progress
//	lexd.tasks.<task_id>.completed
//	lexd.tasks.<task_id>.failed
//
// Without a NATS connection the registry is in-memory only.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is the root of every task event subject.
const SubjectPrefix = "lexd.tasks"

// DefaultRetention is how long finished tasks stay queryable in memory.
const DefaultRetention = time.Hour

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Status of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event names used as the last subject token.
const (
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Task is a snapshot of one task's progress.
type Task struct {
	ID          string     `json:"task_id"`
	Kind        string     `json:"kind"`
	Status      Status     `json:"status"`
	Percent     int        `json:"percent"`
	Step        string     `json:"current_step"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Event is the payload published for every state change.
type Event struct {
	Task
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject returns the NATS subject for a task event.
func Subject(taskID, event string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, taskID, event)
}

// Registry holds task state in memory and mirrors changes to NATS.
type Registry struct {
	nc        *nats.Conn
	logger    *zap.Logger
	retention time.Duration
	now       func() time.Time

	mu    sync.Mutex
	tasks map[string]*Task
	// timers evict finished tasks after retention.
	timers map[string]*time.Timer
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention sets how long finished tasks stay queryable. Zero keeps
// them until the process exits.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates a registry. nc may be nil.
func NewRegistry(nc *nats.Conn, opts ...Option) *Registry {
	r := &Registry{
		nc:        nc,
		logger:    zap.NewNop(),
		retention: DefaultRetention,
		now:       time.Now,
		tasks:     make(map[string]*Task),
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers a task, replacing any previous state under the same id,
// and publishes a started event.
func (r *Registry) Start(taskID, kind string) error {
	now := r.now()
	r.mu.Lock()
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
		delete(r.timers, taskID)
	}
	task := &Task{
		ID:        taskID,
		Kind:      kind,
		Status:    StatusRunning,
		Step:      "queued",
		StartedAt: now,
		UpdatedAt: now,
	}
	r.tasks[taskID] = task
	snapshot := *task
	r.mu.Unlock()

	return r.publish(EventStarted, snapshot)
}

// Progress records the current step and completion percentage, clamped to
// [0,100].
func (r *Registry) Progress(taskID string, percent int, step string) error {
	snapshot, err := r.update(taskID, func(t *Task) {
		t.Percent = min(max(percent, 0), 100)
		t.Step = step
	})
	if err != nil {
		return err
	}
	return r.publish(EventProgress, snapshot)
}

// Complete marks the task done at 100%.
func (r *Registry) Complete(taskID, message string) error {
	snapshot, err := r.update(taskID, func(t *Task) {
		now := r.now()
		t.Status = StatusCompleted
		t.Percent = 100
		t.Step = "done"
		t.Message = message
		t.Error = ""
		t.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	r.scheduleEviction(taskID)
	return r.publish(EventCompleted, snapshot)
}

// Fail marks the task failed with cause. The percentage is left where the
// failing step put it.
func (r *Registry) Fail(taskID string, cause error) error {
	snapshot, err := r.update(taskID, func(t *Task) {
		now := r.now()
		t.Status = StatusFailed
		if cause != nil {
			t.Error = cause.Error()
		}
		t.CompletedAt = &now
	})
	if err != nil {
		return err
	}
	r.scheduleEviction(taskID)
	return r.publish(EventFailed, snapshot)
}

// Get returns a copy of the task.
func (r *Registry) Get(taskID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	snapshot := *t
	return &snapshot, nil
}

// Forget drops a task without publishing anything.
func (r *Registry) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
		delete(r.timers, taskID)
	}
}

// Close stops pending evictions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Registry) update(taskID string, fn func(*Task)) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	fn(t)
	t.UpdatedAt = r.now()
	return *t, nil
}

func (r *Registry) scheduleEviction(taskID string) {
	if r.retention <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// A restarted task owns a new timer; leave it alone.
		if r.timers[taskID] != timer {
			return
		}
		delete(r.timers, taskID)
		delete(r.tasks, taskID)
	})
	r.timers[taskID] = timer
}

func (r *Registry) publish(event string, task Task) error {
	if r.nc == nil {
		return nil
	}
	data, err := json.Marshal(Event{Task: task, Event: event, Timestamp: r.now()})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if err := r.nc.Publish(Subject(task.ID, event), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	r.logger.Debug("task event published",
		zap.String("task_id", task.ID),
		zap.String("event", event),
		zap.Int("percent", task.Percent))
	return nil
}
