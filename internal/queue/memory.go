package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolplane/toolplane/pkg/models"
)

// metricsWindow caps the rolling samples behind the timing averages.
const metricsWindow = 100

// MemoryBackend keeps all task state in process. Suitable for single
// instance deployments and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	opts BackendOptions

	ready      map[models.TaskPriority][]*models.Task
	processing map[string]*models.Task
	completed  map[string]*models.Task
	failed     map[string]*models.Task

	// index tracks every live task by id. Transitions mutate tasks in
	// place, so the pointers stay current across state moves.
	index map[string]*models.Task

	waitTimes       []float64 // milliseconds, last metricsWindow samples
	processingTimes []float64
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts BackendOptions) *MemoryBackend {
	ready := make(map[models.TaskPriority][]*models.Task, 4)
	for _, p := range models.Priorities() {
		ready[p] = nil
	}
	return &MemoryBackend{
		opts:       opts.withDefaults(),
		ready:      ready,
		processing: make(map[string]*models.Task),
		completed:  make(map[string]*models.Task),
		failed:     make(map[string]*models.Task),
		index:      make(map[string]*models.Task),
	}
}

// Enqueue stores a ready task at its priority tail.
func (b *MemoryBackend) Enqueue(_ context.Context, task *models.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, dep := range task.Dependencies {
		if _, ok := b.index[dep]; !ok {
			return fmt.Errorf("%w: %s", ErrDependencyUnsatisfied, dep)
		}
	}
	if _, ok := b.index[task.ID]; ok {
		return fmt.Errorf("queue: duplicate task id %s", task.ID)
	}

	t := *task
	b.ready[t.Priority] = append(b.ready[t.Priority], &t)
	b.index[t.ID] = &t
	return nil
}

// Dequeue claims the first runnable task, walking levels highest first.
// Retry-gated tasks are skipped in place; dependency-blocked tasks move to
// their level's tail so tasks behind them can run.
func (b *MemoryBackend) Dequeue(_ context.Context, priority models.TaskPriority) (*models.Task, error) {
	levels := models.Priorities()
	if priority != "" {
		levels = []models.TaskPriority{priority}
	}
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, level := range levels {
		q := b.ready[level]
		limit := len(q)
		i := 0
		for seen := 0; seen < limit && i < len(q); seen++ {
			t := q[i]
			if t.RetryAfter != nil && now.Before(*t.RetryAfter) {
				i++ // keeps its FIFO spot
				continue
			}
			if !b.depsCompletedLocked(t) {
				q = append(removeAt(q, i), t)
				continue
			}

			b.ready[level] = removeAt(q, i)
			b.claimLocked(t, now)
			snapshot := *t
			return &snapshot, nil
		}
		b.ready[level] = q
	}
	return nil, nil
}

func (b *MemoryBackend) claimLocked(t *models.Task, now time.Time) {
	t.Status = models.TaskStatusProcessing
	started := now
	t.StartedAt = &started
	deadline := now.Add(b.opts.VisibilityTimeout)
	t.VisibilityDeadline = &deadline
	t.RetryAfter = nil
	b.processing[t.ID] = t
}

// Peek returns up to n ready tasks in dequeue order without claiming them.
func (b *MemoryBackend) Peek(_ context.Context, n int) ([]*models.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.Task, 0, n)
	for _, level := range models.Priorities() {
		for _, t := range b.ready[level] {
			if len(out) >= n {
				return out, nil
			}
			snapshot := *t
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

// Ack completes a processing task and records its timing samples.
func (b *MemoryBackend) Ack(_ context.Context, id string) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.processing[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(b.processing, id)

	now := time.Now().UTC()
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &now
	t.VisibilityDeadline = nil
	b.completed[id] = t

	if t.StartedAt != nil {
		b.waitTimes = appendSample(b.waitTimes, float64(t.StartedAt.Sub(t.QueuedAt).Milliseconds()))
		b.processingTimes = appendSample(b.processingTimes, float64(now.Sub(*t.StartedAt).Milliseconds()))
	}

	snapshot := *t
	return &snapshot, nil
}

// Fail records a failed attempt. With retries left the task re-queues behind
// an exponential backoff gate; otherwise it lands in failed.
func (b *MemoryBackend) Fail(_ context.Context, id string, cause string) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.processing[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(b.processing, id)

	t.LastError = cause
	t.VisibilityDeadline = nil

	if t.Attempts < t.MaxRetries {
		t.Attempts++
		gate := retryGate(b.opts.BaseDelay, t.Attempts)
		t.RetryAfter = &gate
		t.Status = models.TaskStatusRetrying
		t.StartedAt = nil
		b.ready[t.Priority] = append(b.ready[t.Priority], t)
	} else {
		t.Attempts++
		now := time.Now().UTC()
		t.Status = models.TaskStatusFailed
		t.CompletedAt = &now
		b.failed[id] = t
	}

	snapshot := *t
	return &snapshot, nil
}

// Retry moves a failed task back to ready after delay, attempts unchanged.
func (b *MemoryBackend) Retry(_ context.Context, id string, delay time.Duration) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.failed[id]
	if !ok {
		if _, exists := b.index[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrNotFailed, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(b.failed, id)

	t.Status = models.TaskStatusRetrying
	t.CompletedAt = nil
	t.StartedAt = nil
	if delay > 0 {
		gate := time.Now().Add(delay)
		t.RetryAfter = &gate
	} else {
		t.RetryAfter = nil
	}
	b.ready[t.Priority] = append(b.ready[t.Priority], t)

	snapshot := *t
	return &snapshot, nil
}

// Remove drops a task that is not processing.
func (b *MemoryBackend) Remove(_ context.Context, id string) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == models.TaskStatusProcessing {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, id)
	}

	switch t.Status {
	case models.TaskStatusCompleted:
		delete(b.completed, id)
	case models.TaskStatusFailed:
		delete(b.failed, id)
	default:
		q := b.ready[t.Priority]
		for i, queued := range q {
			if queued.ID == id {
				b.ready[t.Priority] = removeAt(q, i)
				break
			}
		}
	}
	delete(b.index, id)

	snapshot := *t
	return &snapshot, nil
}

// Get returns a copy of the task, wherever it currently lives.
func (b *MemoryBackend) Get(_ context.Context, id string) (*models.Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	snapshot := *t
	return &snapshot, nil
}

// Stats snapshots depths, counters and rolling timing averages.
func (b *MemoryBackend) Stats(_ context.Context) (*models.QueueStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := &models.QueueStats{
		InFlight:      len(b.processing),
		Completed:     len(b.completed),
		Failed:        len(b.failed),
		PriorityDepth: make(map[models.TaskPriority]int, 4),
	}
	for _, level := range models.Priorities() {
		depth := len(b.ready[level])
		stats.PriorityDepth[level] = depth
		stats.Pending += depth
		for _, t := range b.ready[level] {
			if t.Status == models.TaskStatusRetrying {
				stats.Retrying++
			}
		}
	}
	stats.AvgWaitMs = average(b.waitTimes)
	stats.AvgProcessingMs = average(b.processingTimes)

	cutoff := time.Now().Add(-time.Minute)
	for _, t := range b.completed {
		if t.CompletedAt != nil && t.CompletedAt.After(cutoff) {
			stats.ThroughputPerMin++
		}
	}
	return stats, nil
}

// RecoverExpired returns expired in-flight tasks to the ready queue. The
// sweep preserves enqueue order: recovered tasks rejoin by their original
// queue time, attempts unchanged.
func (b *MemoryBackend) RecoverExpired(_ context.Context) ([]*models.Task, error) {
	now := time.Now().UTC()

	b.mu.Lock()
	defer b.mu.Unlock()

	var recovered []*models.Task
	for id, t := range b.processing {
		if t.VisibilityDeadline == nil || now.Before(*t.VisibilityDeadline) {
			continue
		}
		delete(b.processing, id)
		t.Status = models.TaskStatusPending
		t.StartedAt = nil
		t.VisibilityDeadline = nil
		b.ready[t.Priority] = insertByQueueTime(b.ready[t.Priority], t)

		snapshot := *t
		recovered = append(recovered, &snapshot)
	}
	return recovered, nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error { return nil }

// depsCompletedLocked reports whether every dependency reached completed.
func (b *MemoryBackend) depsCompletedLocked(t *models.Task) bool {
	for _, dep := range t.Dependencies {
		if _, ok := b.completed[dep]; !ok {
			return false
		}
	}
	return true
}

func removeAt(q []*models.Task, i int) []*models.Task {
	out := make([]*models.Task, 0, len(q)-1)
	out = append(out, q[:i]...)
	return append(out, q[i+1:]...)
}

func insertByQueueTime(q []*models.Task, t *models.Task) []*models.Task {
	at := len(q)
	for i, queued := range q {
		if queued.QueuedAt.After(t.QueuedAt) {
			at = i
			break
		}
	}
	out := make([]*models.Task, 0, len(q)+1)
	out = append(out, q[:at]...)
	out = append(out, t)
	return append(out, q[at:]...)
}

func appendSample(samples []float64, v float64) []float64 {
	if len(samples) >= metricsWindow {
		samples = samples[1:]
	}
	return append(samples, v)
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}
