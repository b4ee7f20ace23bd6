package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolplane/toolplane/pkg/models"
)

// dequeueScanLimit bounds how many ready candidates one Dequeue inspects per
// priority level before giving up the pass.
const dequeueScanLimit = 8

// priorityBase offsets sorted-set scores so a task's score encodes both its
// level and its enqueue time.
var priorityBase = map[models.TaskPriority]float64{
	models.TaskPriorityUrgent: 0,
	models.TaskPriorityHigh:   1e9,
	models.TaskPriorityMedium: 2e9,
	models.TaskPriorityLow:    3e9,
}

// RedisBackend stores tasks in Redis so several instances can share one
// queue. Layout under «prefix»:
//
//	queue:«priority»            sorted set, member = id, score = base + queuedAt ms
//	tasks | processing |
//	completed | failed          hashes, id → task JSON
//	metrics:wait_times |
//	metrics:processing_times    lists, newest first, trimmed to 100
//
// Claims race through ZREM: whoever removes the member owns the task.
type RedisBackend struct {
	client *redis.Client
	prefix string
	opts   BackendOptions
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend wraps an existing client. prefix defaults to "toolplane".
func NewRedisBackend(client *redis.Client, prefix string, opts BackendOptions) *RedisBackend {
	if prefix == "" {
		prefix = "toolplane"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

func (r *RedisBackend) key(parts ...string) string {
	out := r.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (r *RedisBackend) queueKey(p models.TaskPriority) string {
	return r.key("queue", string(p))
}

func score(p models.TaskPriority, at time.Time) float64 {
	return priorityBase[p] + float64(at.UnixMilli())
}

func marshalTask(t *models.Task) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("queue: marshal task %s: %w", t.ID, err)
	}
	return string(raw), nil
}

func unmarshalTask(raw string) (*models.Task, error) {
	var t models.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("queue: unmarshal task: %w", err)
	}
	return &t, nil
}

// locate finds which hash holds id. Returns the hash key and raw JSON.
func (r *RedisBackend) locate(ctx context.Context, id string) (string, string, error) {
	for _, hash := range []string{"tasks", "processing", "completed", "failed"} {
		raw, err := r.client.HGet(ctx, r.key(hash), id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		return hash, raw, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Enqueue stores a ready task and registers it in its priority set.
func (r *RedisBackend) Enqueue(ctx context.Context, task *models.Task) error {
	for _, dep := range task.Dependencies {
		if _, _, err := r.locate(ctx, dep); err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return fmt.Errorf("%w: %s", ErrDependencyUnsatisfied, dep)
			}
			return err
		}
	}
	if _, _, err := r.locate(ctx, task.ID); err == nil {
		return fmt.Errorf("queue: duplicate task id %s", task.ID)
	}

	raw, err := marshalTask(task)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key("tasks"), task.ID, raw).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", task.ID, err)
	}
	return r.client.ZAdd(ctx, r.queueKey(task.Priority), redis.Z{
		Score:  score(task.Priority, task.QueuedAt),
		Member: task.ID,
	}).Err()
}

// Dequeue claims the first runnable task. Retry-gated candidates keep their
// score; dependency-blocked ones are re-scored to their level's tail.
func (r *RedisBackend) Dequeue(ctx context.Context, priority models.TaskPriority) (*models.Task, error) {
	levels := models.Priorities()
	if priority != "" {
		levels = []models.TaskPriority{priority}
	}
	now := time.Now().UTC()

	for _, level := range levels {
		qkey := r.queueKey(level)
		ids, err := r.client.ZRange(ctx, qkey, 0, dequeueScanLimit-1).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: scan %s: %w", level, err)
		}

		for _, id := range ids {
			raw, err := r.client.HGet(ctx, r.key("tasks"), id).Result()
			if errors.Is(err, redis.Nil) {
				// Orphaned member: the task moved while we scanned.
				r.client.ZRem(ctx, qkey, id)
				continue
			}
			if err != nil {
				return nil, err
			}

			t, err := unmarshalTask(raw)
			if err != nil {
				return nil, err
			}
			if t.RetryAfter != nil && now.Before(*t.RetryAfter) {
				continue
			}
			ok, err := r.depsCompleted(ctx, t)
			if err != nil {
				return nil, err
			}
			if !ok {
				// Tail of its own level, attempts unchanged.
				if err := r.client.ZAdd(ctx, qkey, redis.Z{
					Score:  score(level, now),
					Member: id,
				}).Err(); err != nil {
					return nil, err
				}
				continue
			}

			removed, err := r.client.ZRem(ctx, qkey, id).Result()
			if err != nil {
				return nil, err
			}
			if removed == 0 {
				continue // another worker won the claim
			}

			t.Status = models.TaskStatusProcessing
			started := now
			t.StartedAt = &started
			deadline := now.Add(r.opts.VisibilityTimeout)
			t.VisibilityDeadline = &deadline
			t.RetryAfter = nil

			claimed, err := marshalTask(t)
			if err != nil {
				return nil, err
			}
			pipe := r.client.TxPipeline()
			pipe.HDel(ctx, r.key("tasks"), id)
			pipe.HSet(ctx, r.key("processing"), id, claimed)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("queue: claim %s: %w", id, err)
			}
			return t, nil
		}
	}
	return nil, nil
}

func (r *RedisBackend) depsCompleted(ctx context.Context, t *models.Task) (bool, error) {
	for _, dep := range t.Dependencies {
		ok, err := r.client.HExists(ctx, r.key("completed"), dep).Result()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Peek returns up to n ready tasks in dequeue order without claiming them.
func (r *RedisBackend) Peek(ctx context.Context, n int) ([]*models.Task, error) {
	out := make([]*models.Task, 0, n)
	for _, level := range models.Priorities() {
		if len(out) >= n {
			break
		}
		ids, err := r.client.ZRange(ctx, r.queueKey(level), 0, int64(n-len(out))-1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			raw, err := r.client.HGet(ctx, r.key("tasks"), id).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			t, err := unmarshalTask(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// Ack completes a processing task and records timing samples.
func (r *RedisBackend) Ack(ctx context.Context, id string) (*models.Task, error) {
	raw, err := r.client.HGet(ctx, r.key("processing"), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	removed, err := r.client.HDel(ctx, r.key("processing"), id).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t, err := unmarshalTask(raw)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	t.Status = models.TaskStatusCompleted
	t.CompletedAt = &now
	t.VisibilityDeadline = nil

	done, err := marshalTask(t)
	if err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key("completed"), id, done)
	if t.StartedAt != nil {
		r.pushSample(ctx, pipe, "metrics:wait_times", float64(t.StartedAt.Sub(t.QueuedAt).Milliseconds()))
		r.pushSample(ctx, pipe, "metrics:processing_times", float64(now.Sub(*t.StartedAt).Milliseconds()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return t, nil
}

func (r *RedisBackend) pushSample(ctx context.Context, pipe redis.Pipeliner, list string, v float64) {
	key := r.key(list)
	pipe.LPush(ctx, key, strconv.FormatFloat(v, 'f', -1, 64))
	pipe.LTrim(ctx, key, 0, metricsWindow-1)
}

// Fail records a failed attempt; retry-eligible tasks re-queue behind a
// backoff gate, the rest land in failed.
func (r *RedisBackend) Fail(ctx context.Context, id string, cause string) (*models.Task, error) {
	raw, err := r.client.HGet(ctx, r.key("processing"), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	removed, err := r.client.HDel(ctx, r.key("processing"), id).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t, err := unmarshalTask(raw)
	if err != nil {
		return nil, err
	}
	t.LastError = cause
	t.VisibilityDeadline = nil
	now := time.Now().UTC()

	if t.Attempts < t.MaxRetries {
		t.Attempts++
		gate := retryGate(r.opts.BaseDelay, t.Attempts)
		t.RetryAfter = &gate
		t.Status = models.TaskStatusRetrying
		t.StartedAt = nil

		queued, err := marshalTask(t)
		if err != nil {
			return nil, err
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.key("tasks"), id, queued)
		pipe.ZAdd(ctx, r.queueKey(t.Priority), redis.Z{Score: score(t.Priority, now), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: requeue %s: %w", id, err)
		}
		return t, nil
	}

	t.Attempts++
	t.Status = models.TaskStatusFailed
	t.CompletedAt = &now
	dead, err := marshalTask(t)
	if err != nil {
		return nil, err
	}
	if err := r.client.HSet(ctx, r.key("failed"), id, dead).Err(); err != nil {
		return nil, fmt.Errorf("queue: fail %s: %w", id, err)
	}
	return t, nil
}

// Retry moves a failed task back to ready after delay, attempts unchanged.
func (r *RedisBackend) Retry(ctx context.Context, id string, delay time.Duration) (*models.Task, error) {
	raw, err := r.client.HGet(ctx, r.key("failed"), id).Result()
	if errors.Is(err, redis.Nil) {
		if _, _, lerr := r.locate(ctx, id); lerr == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFailed, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	t, err := unmarshalTask(raw)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatusRetrying
	t.CompletedAt = nil
	t.StartedAt = nil
	if delay > 0 {
		gate := time.Now().Add(delay)
		t.RetryAfter = &gate
	} else {
		t.RetryAfter = nil
	}

	queued, err := marshalTask(t)
	if err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.key("failed"), id)
	pipe.HSet(ctx, r.key("tasks"), id, queued)
	pipe.ZAdd(ctx, r.queueKey(t.Priority), redis.Z{Score: score(t.Priority, time.Now()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: retry %s: %w", id, err)
	}
	return t, nil
}

// Remove drops a task that is not processing.
func (r *RedisBackend) Remove(ctx context.Context, id string) (*models.Task, error) {
	hash, raw, err := r.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	if hash == "processing" {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, id)
	}

	t, err := unmarshalTask(raw)
	if err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.key(hash), id)
	if hash == "tasks" {
		pipe.ZRem(ctx, r.queueKey(t.Priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: remove %s: %w", id, err)
	}
	return t, nil
}

// Get returns the task by id, wherever it currently lives.
func (r *RedisBackend) Get(ctx context.Context, id string) (*models.Task, error) {
	_, raw, err := r.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	return unmarshalTask(raw)
}

// Stats snapshots depths, counters and rolling timing averages.
func (r *RedisBackend) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{
		PriorityDepth: make(map[models.TaskPriority]int, 4),
	}

	for _, level := range models.Priorities() {
		depth, err := r.client.ZCard(ctx, r.queueKey(level)).Result()
		if err != nil {
			return nil, err
		}
		stats.PriorityDepth[level] = int(depth)
		stats.Pending += int(depth)
	}

	inFlight, err := r.client.HLen(ctx, r.key("processing")).Result()
	if err != nil {
		return nil, err
	}
	stats.InFlight = int(inFlight)

	failed, err := r.client.HLen(ctx, r.key("failed")).Result()
	if err != nil {
		return nil, err
	}
	stats.Failed = int(failed)

	ready, err := r.client.HGetAll(ctx, r.key("tasks")).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range ready {
		if t, err := unmarshalTask(raw); err == nil && t.Status == models.TaskStatusRetrying {
			stats.Retrying++
		}
	}

	done, err := r.client.HGetAll(ctx, r.key("completed")).Result()
	if err != nil {
		return nil, err
	}
	stats.Completed = len(done)
	cutoff := time.Now().Add(-time.Minute)
	for _, raw := range done {
		if t, err := unmarshalTask(raw); err == nil && t.CompletedAt != nil && t.CompletedAt.After(cutoff) {
			stats.ThroughputPerMin++
		}
	}

	stats.AvgWaitMs, err = r.sampleAverage(ctx, "metrics:wait_times")
	if err != nil {
		return nil, err
	}
	stats.AvgProcessingMs, err = r.sampleAverage(ctx, "metrics:processing_times")
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *RedisBackend) sampleAverage(ctx context.Context, list string) (float64, error) {
	samples, err := r.client.LRange(ctx, r.key(list), 0, metricsWindow-1).Result()
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range samples {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		sum += v
	}
	return sum / float64(len(samples)), nil
}

// RecoverExpired returns expired in-flight tasks to their priority sets.
// The pass is idempotent: HDEL decides ownership, so two sweepers never
// recover the same task twice.
func (r *RedisBackend) RecoverExpired(ctx context.Context) ([]*models.Task, error) {
	inFlight, err := r.client.HGetAll(ctx, r.key("processing")).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var recovered []*models.Task
	for id, raw := range inFlight {
		t, err := unmarshalTask(raw)
		if err != nil || t.VisibilityDeadline == nil || now.Before(*t.VisibilityDeadline) {
			continue
		}

		removed, err := r.client.HDel(ctx, r.key("processing"), id).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue // settled or recovered by someone else
		}

		t.Status = models.TaskStatusPending
		t.StartedAt = nil
		t.VisibilityDeadline = nil

		queued, err := marshalTask(t)
		if err != nil {
			return recovered, err
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.key("tasks"), id, queued)
		// Original enqueue time keeps the task's FIFO spot.
		pipe.ZAdd(ctx, r.queueKey(t.Priority), redis.Z{Score: score(t.Priority, t.QueuedAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered = append(recovered, t)
	}
	return recovered, nil
}

// Close releases the Redis client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
