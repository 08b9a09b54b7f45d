package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"contentforge/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled stage-execution tasks
// in Redis. Tasks are opaque strings (item id + stage); delayed dispatch for
// retry backoff goes through the scheduled sorted set.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityMargin
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "pipeline:ready",
		inflightKey:   "pipeline:inflight",
		scheduledKey:  "pipeline:scheduled",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

// Enqueue inserts a task into either the scheduled set (future runAt) or the
// ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: task,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, task).Err()
}

// PromoteScheduled moves due scheduled tasks into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	tasks, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, task := range tasks {
		pipe.ZRem(ctx, q.scheduledKey, task)
		pipe.RPush(ctx, q.readyKey, task)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// DequeueWithLease pops a ready task and places it into inflight with a
// visibility timeout. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	task, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return task, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
// Long stages (video rendering) extend up front to their full timeout.
func (q *RedisQueue) ExtendLease(ctx context.Context, task string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task,
	}).Err()
}

// Ack removes a task from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, task string) error {
	return q.client.ZRem(ctx, q.inflightKey, task).Err()
}

// ReapExpired removes tasks whose lease timed out from the inflight set and
// returns them. The caller decides what to do with each (recovery sweep);
// expired tasks are not blindly re-enqueued.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	tasks, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, task := range tasks {
		pipe.ZRem(ctx, q.inflightKey, task)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, task string) error {
	return q.client.RPush(ctx, q.dlqKey, task).Err()
}

// DLQPeek reads the latest dead-lettered tasks.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Client exposes the underlying redis client for components sharing the
// connection (rate limiter).
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

var dequeueScript = redis.NewScript(`
local task = redis.call('LPOP', KEYS[1])
if task then
  redis.call('ZADD', KEYS[2], ARGV[1], task)
  return task
end
return nil
`)
