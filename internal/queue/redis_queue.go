// Package queue implements the durable, at-least-once work queue for
// summarization tasks on Redis. One queue, one task type; task keys are job
// IDs, so enqueueing a job that already has an outstanding task is a no-op.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HarsHvardhnn/content-summarization-schdl/internal/config"
	"github.com/HarsHvardhnn/content-summarization-schdl/internal/models"
)

// Task states reported by TaskStatus.
const (
	StateMissing   = "missing"
	StateReady     = "ready"
	StateScheduled = "scheduled"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const (
	readyKey     = "summary:ready"
	scheduledKey = "summary:scheduled"
	inflightKey  = "summary:inflight"
	completedKey = "summary:done"
	failedKey    = "summary:dead"
	taskPrefix   = "summary:task:"
)

// TaskInfo is the queue-side view of one task, consumed by the reaper.
type TaskInfo struct {
	State    string
	Attempts int
	Stalls   int
}

// Finished reports whether the queue is done with the task one way or the
// other.
func (t TaskInfo) Finished() bool {
	return t.State == StateCompleted || t.State == StateFailed
}

// Delivery is one leased task handed to a worker. Attempts counts prior
// failed attempts; the current one is Attempts+1.
type Delivery struct {
	Task     models.Task
	Attempts int
}

// RedisQueue coordinates the ready list, retry schedule, and in-flight
// leases for summarization tasks.
type RedisQueue struct {
	client               *redis.Client
	leaseDuration        time.Duration
	maxAttempts          int
	maxStalledCount      int
	backoffInitial       time.Duration
	backoffMax           time.Duration
	completedRetention   time.Duration
	completedRetainCount int64
	failedRetention      time.Duration
}

// NewRedisQueue builds a queue over an injected client so tests and shared
// connections both work.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	lease := cfg.LeaseDuration
	if lease == 0 {
		lease = 60 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	maxStalled := cfg.MaxStalledCount
	if maxStalled == 0 {
		maxStalled = 3
	}
	backoff := cfg.BackoffInitial
	if backoff == 0 {
		backoff = 2 * time.Second
	}
	return &RedisQueue{
		client:               client,
		leaseDuration:        lease,
		maxAttempts:          maxAttempts,
		maxStalledCount:      maxStalled,
		backoffInitial:       backoff,
		backoffMax:           cfg.BackoffMax,
		completedRetention:   cfg.CompletedRetention,
		completedRetainCount: cfg.CompletedRetainCount,
		failedRetention:      cfg.FailedRetention,
	}
}

func taskKey(jobID string) string {
	return taskPrefix + jobID
}

// Enqueue creates a task for the job unless one is still outstanding.
// Remnants of a finished task under the same key are replaced, which is what
// the reaper relies on when it re-enqueues a repaired job. Returns whether a
// new task was created.
func (q *RedisQueue) Enqueue(ctx context.Context, task models.Task) (bool, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{taskKey(task.JobID), readyKey, completedKey, failedKey},
		payload, task.JobID, time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	created, _ := res.(int64)
	return created == 1, nil
}

// Dequeue pops one ready task and leases it until now+leaseDuration. A nil
// delivery means the queue was empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.leaseDuration).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HMGet(ctx, taskKey(jobID), "payload", "attempts").Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", jobID, err)
	}
	raw, _ := fields[0].(string)
	if raw == "" {
		// Orphaned list entry without a task record; drop the lease and let
		// the reaper repair the job if one exists.
		_ = q.client.ZRem(ctx, inflightKey, jobID).Err()
		return nil, nil
	}
	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", jobID, err)
	}
	attempts := 0
	if s, ok := fields[1].(string); ok {
		attempts, _ = strconv.Atoi(s)
	}
	return &Delivery{Task: task, Attempts: attempts}, nil
}

// Ack finalizes a successful delivery and moves the task into the completed
// retention window (bounded by age and count).
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.HSet(ctx, taskKey(jobID), "state", StateCompleted)
	pipe.PExpire(ctx, taskKey(jobID), q.completedRetention)
	pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.ZRemRangeByScore(ctx, completedKey, "-inf", fmt.Sprintf("%d", now.Add(-q.completedRetention).UnixMilli()))
	if q.completedRetainCount > 0 {
		pipe.ZRemRangeByRank(ctx, completedKey, 0, -(q.completedRetainCount + 1))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Fail finalizes a failed delivery attempt. Attempts below the retry budget
// are rescheduled with exponential backoff; the rest are marked permanently
// failed. Returns the attempt count so far and whether the task is done.
func (q *RedisQueue) Fail(ctx context.Context, jobID, reason string) (int, bool, error) {
	attempts, err := q.client.HIncrBy(ctx, taskKey(jobID), "attempts", 1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("count attempt: %w", err)
	}
	if err := q.client.ZRem(ctx, inflightKey, jobID).Err(); err != nil {
		return int(attempts), false, err
	}

	if int(attempts) >= q.maxAttempts {
		return int(attempts), true, q.markFailed(ctx, jobID, reason)
	}

	runAt := time.Now().Add(q.backoffDelay(int(attempts)))
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(jobID), "last_error", reason)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return int(attempts), false, err
}

// FailPermanently dead-letters a task without consuming the retry budget.
// Used for data-integrity faults that no retry can fix.
func (q *RedisQueue) FailPermanently(ctx context.Context, jobID, reason string) error {
	if err := q.client.ZRem(ctx, inflightKey, jobID).Err(); err != nil {
		return err
	}
	return q.markFailed(ctx, jobID, reason)
}

// PromoteScheduled moves due retries into the ready list. Returns how many
// were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReclaimStalled requeues leases that expired without an ack. Tasks that
// stall more than maxStalledCount times are marked permanently failed
// instead of being requeued. Returns the requeued and dead-lettered job IDs.
func (q *RedisQueue) ReclaimStalled(ctx context.Context, now time.Time, limit int64) (requeued, dead []string, err error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, nil, err
	}

	for _, id := range ids {
		stalls, err := q.client.HIncrBy(ctx, taskKey(id), "stalls", 1).Result()
		if err != nil {
			return requeued, dead, err
		}
		if err := q.client.ZRem(ctx, inflightKey, id).Err(); err != nil {
			return requeued, dead, err
		}
		if int(stalls) > q.maxStalledCount {
			if err := q.markFailed(ctx, id, fmt.Sprintf("stalled %d times, exceeding the limit", stalls)); err != nil {
				return requeued, dead, err
			}
			dead = append(dead, id)
			continue
		}
		if err := q.client.RPush(ctx, readyKey, id).Err(); err != nil {
			return requeued, dead, err
		}
		requeued = append(requeued, id)
	}
	return requeued, dead, nil
}

// TaskStatus reports the queue's view of the job's task. Used by the reaper
// to detect store/queue divergence.
func (q *RedisQueue) TaskStatus(ctx context.Context, jobID string) (TaskInfo, error) {
	fields, err := q.client.HMGet(ctx, taskKey(jobID), "state", "attempts", "stalls").Result()
	if err != nil {
		return TaskInfo{}, fmt.Errorf("task status: %w", err)
	}
	state, _ := fields[0].(string)
	if state == "" {
		return TaskInfo{State: StateMissing}, nil
	}

	info := TaskInfo{State: state}
	if s, ok := fields[1].(string); ok {
		info.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := fields[2].(string); ok {
		info.Stalls, _ = strconv.Atoi(s)
	}
	if info.Finished() {
		return info, nil
	}

	// Outstanding: figure out where it actually lives. A record that is in
	// none of the structures is an orphan and reported missing so the
	// reaper repairs it.
	if err := q.client.ZScore(ctx, inflightKey, jobID).Err(); err == nil {
		info.State = StateActive
		return info, nil
	} else if err != redis.Nil {
		return TaskInfo{}, err
	}
	if err := q.client.ZScore(ctx, scheduledKey, jobID).Err(); err == nil {
		info.State = StateScheduled
		return info, nil
	} else if err != redis.Nil {
		return TaskInfo{}, err
	}
	if _, err := q.client.LPos(ctx, readyKey, jobID, redis.LPosArgs{}).Result(); err == nil {
		info.State = StateReady
		return info, nil
	} else if err != redis.Nil {
		return TaskInfo{}, err
	}
	info.State = StateMissing
	return info, nil
}

// Remove purges every trace of a job's task so a fresh one can be enqueued.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, taskKey(jobID))
	pipe.LRem(ctx, readyKey, 0, jobID)
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZRem(ctx, scheduledKey, jobID)
	pipe.ZRem(ctx, completedKey, jobID)
	pipe.ZRem(ctx, failedKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

func (q *RedisQueue) markFailed(ctx context.Context, jobID, reason string) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, taskKey(jobID), "state", StateFailed, "last_error", reason)
	pipe.PExpire(ctx, taskKey(jobID), q.failedRetention)
	pipe.ZAdd(ctx, failedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.ZRemRangeByScore(ctx, failedKey, "-inf", fmt.Sprintf("%d", now.Add(-q.failedRetention).UnixMilli()))
	_, err := pipe.Exec(ctx)
	return err
}

// backoffDelay is the retry delay after the given number of failed attempts:
// initial * 2^(attempts-1), capped.
func (q *RedisQueue) backoffDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return q.backoffInitial
	}
	d := time.Duration(float64(q.backoffInitial) * math.Pow(2, float64(attempts-1)))
	if q.backoffMax > 0 && d > q.backoffMax {
		d = q.backoffMax
	}
	return d
}

var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'completed' and state ~= 'failed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[2])
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'attempts', 0, 'stalls', 0, 'state', 'waiting', 'enqueued_at', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
