// Package queue implements the prioritized task queue that runs tool calls
// asynchronously.
//
//   - four priority levels (urgent > high > medium > low), FIFO within a
//     level by enqueue time
//   - dependencies gate dequeue: a task whose dependencies have not all
//     completed is re-queued at its level's tail, attempts unchanged
//   - claimed tasks carry a visibility deadline; the recovery sweep returns
//     expired ones to the ready queue, attempts unchanged
//   - failed attempts retry with exponential backoff until max retries
//
// Backends are pluggable: an in-memory store for single-process use and a
// Redis store for shared deployments. Backends own their locking and enforce
// retry gating and visibility themselves.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolplane/toolplane/pkg/models"
)

var (
	// ErrTaskNotFound means no task exists under the requested id.
	ErrTaskNotFound = errors.New("queue: task not found")

	// ErrNotFailed means a manual retry was requested for a task that is
	// not in the failed state.
	ErrNotFailed = errors.New("queue: task is not failed")

	// ErrInFlight means a remove was requested for a task that is being
	// processed; it must finish or time out first.
	ErrInFlight = errors.New("queue: task is processing")

	// ErrDependencyUnsatisfied means an enqueued task references a
	// dependency id the backend has never seen, so it could never run.
	ErrDependencyUnsatisfied = errors.New("queue: dependency cannot be satisfied")
)

// Backend persists tasks and owns every state transition. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Enqueue stores a ready task.
	Enqueue(ctx context.Context, task *models.Task) error

	// Dequeue claims the highest-priority runnable task and moves it to
	// processing under a visibility deadline. An empty priority scans all
	// levels in order. Returns nil when nothing is runnable.
	Dequeue(ctx context.Context, priority models.TaskPriority) (*models.Task, error)

	// Peek returns up to n ready tasks in dequeue order without claiming.
	Peek(ctx context.Context, n int) ([]*models.Task, error)

	// Ack marks a processing task completed and returns its final state.
	Ack(ctx context.Context, id string) (*models.Task, error)

	// Fail records a failed attempt. Tasks with attempts left are
	// re-queued with a backoff gate; the rest land in failed. The returned
	// snapshot's status tells which.
	Fail(ctx context.Context, id string, cause string) (*models.Task, error)

	// Retry moves a failed task back to ready after delay, attempts
	// unchanged.
	Retry(ctx context.Context, id string, delay time.Duration) (*models.Task, error)

	// Remove drops a task that is not processing.
	Remove(ctx context.Context, id string) (*models.Task, error)

	// Get returns a task wherever it currently lives.
	Get(ctx context.Context, id string) (*models.Task, error)

	// Stats snapshots queue depths and timing metrics.
	Stats(ctx context.Context) (*models.QueueStats, error)

	// RecoverExpired returns processing tasks whose visibility deadline has
	// passed to the ready queue and reports them.
	RecoverExpired(ctx context.Context) ([]*models.Task, error)

	// Close releases backend resources.
	Close() error
}

// BackendOptions tune transition behavior shared by all backends.
type BackendOptions struct {
	// BaseDelay seeds the retry backoff: attempt n waits baseDelay·2^(n−1).
	BaseDelay time.Duration

	// VisibilityTimeout is how long a claimed task may process before the
	// recovery sweep takes it back.
	VisibilityTimeout time.Duration
}

func (o BackendOptions) withDefaults() BackendOptions {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	return o
}

// retryGate computes when a task that just failed its nth attempt becomes
// runnable again.
func retryGate(base time.Duration, attempts int) time.Time {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return time.Now().Add(delay)
}

// Executor runs one claimed task. A non-nil error counts as a failed
// attempt; panics are recovered and count the same way.
type Executor func(ctx context.Context, task *models.Task) error

// Options tune the scheduler loop.
type Options struct {
	// Concurrency caps how many tasks execute at once.
	Concurrency int

	// SweepInterval is how often the recovery sweep runs.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	return o
}

// Service drives a backend: it accepts tasks, schedules workers, publishes
// lifecycle events and runs the recovery sweep.
type Service struct {
	backend Backend
	exec    Executor
	opts    Options
	events  *notifier

	sem  chan struct{}
	wake chan struct{}
}

// NewService builds a queue service over a backend. exec may be nil when the
// service is used purely as storage (no scheduler).
func NewService(backend Backend, exec Executor, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		backend: backend,
		exec:    exec,
		opts:    opts,
		events:  newNotifier(),
		sem:     make(chan struct{}, opts.Concurrency),
		wake:    make(chan struct{}, 1),
	}
}

// Observe registers an observer for one event type.
func (s *Service) Observe(t EventType, fn Observer) { s.events.observe(t, fn) }

// ObserveAll registers an observer for every event type.
func (s *Service) ObserveAll(fn Observer) { s.events.observeAll(fn) }

// Enqueue validates and stores a task, filling defaults: a fresh id, medium
// priority, pending status and the enqueue timestamp.
func (s *Service) Enqueue(ctx context.Context, task *models.Task) (string, error) {
	if task == nil {
		return "", errors.New("queue: nil task")
	}
	if task.Payload.Tool == "" {
		return "", errors.New("queue: task payload has no tool")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = models.TaskPriorityMedium
	}
	if !models.ValidPriority(task.Priority) {
		return "", fmt.Errorf("queue: invalid priority %q", task.Priority)
	}
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}
	task.Status = models.TaskStatusPending
	task.QueuedAt = time.Now().UTC()

	if err := s.backend.Enqueue(ctx, task); err != nil {
		return "", err
	}
	s.events.publish(EventEnqueued, task)
	s.poke()
	return task.ID, nil
}

// Dequeue claims the next runnable task, if any.
func (s *Service) Dequeue(ctx context.Context, priority models.TaskPriority) (*models.Task, error) {
	task, err := s.backend.Dequeue(ctx, priority)
	if err != nil || task == nil {
		return nil, err
	}
	s.events.publish(EventStarted, task)
	return task, nil
}

// Peek returns up to n ready tasks in dequeue order without claiming them.
func (s *Service) Peek(ctx context.Context, n int) ([]*models.Task, error) {
	return s.backend.Peek(ctx, n)
}

// Ack marks a processing task completed.
func (s *Service) Ack(ctx context.Context, id string) error {
	task, err := s.backend.Ack(ctx, id)
	if err != nil {
		return err
	}
	s.events.publish(EventCompleted, task)
	return nil
}

// Fail records a failed attempt; the backend decides between a retry and a
// terminal failure.
func (s *Service) Fail(ctx context.Context, id string, cause string) error {
	task, err := s.backend.Fail(ctx, id, cause)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusRetrying {
		s.events.publish(EventRetried, task)
	} else {
		s.events.publish(EventFailed, task)
	}
	return nil
}

// Retry manually re-queues a failed task after delay.
func (s *Service) Retry(ctx context.Context, id string, delay time.Duration) error {
	task, err := s.backend.Retry(ctx, id, delay)
	if err != nil {
		return err
	}
	s.events.publish(EventRetried, task)
	s.poke()
	return nil
}

// Remove drops a task that has not started processing.
func (s *Service) Remove(ctx context.Context, id string) error {
	task, err := s.backend.Remove(ctx, id)
	if err != nil {
		return err
	}
	s.events.publish(EventRemoved, task)
	return nil
}

// GetTask returns a task by id, wherever it currently lives.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.backend.Get(ctx, id)
}

// Stats returns queue depths and throughput counters.
func (s *Service) Stats(ctx context.Context) (*models.QueueStats, error) {
	return s.backend.Stats(ctx)
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}
