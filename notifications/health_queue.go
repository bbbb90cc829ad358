package notifications

import (
	"context"
	"time"

	"track-record-engine/cache"
	"track-record-engine/ingest"
)

// Default Redis keys of the health task queue.
const (
	DefaultQueueKey  = "ledger:health:tasks"
	deadLetterSuffix = ":dead"
)

// Envelope wraps a task with its delivery attempts.
type Envelope struct {
	Task     ingest.HealthTask `json:"task"`
	Attempts int               `json:"attempts"`
	LastErr  string            `json:"lastError,omitempty"`
}

// HealthQueue is a Redis list of pending health evaluations. It is the
// ingest.Outbox of the engine: ingestion pushes after commit, workers pop.
type HealthQueue struct {
	redis *cache.RedisClient
	key   string
}

// NewHealthQueue creates a queue on key, or DefaultQueueKey when empty.
func NewHealthQueue(redis *cache.RedisClient, key string) *HealthQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &HealthQueue{redis: redis, key: key}
}

// Enqueue implements ingest.Outbox.
func (q *HealthQueue) Enqueue(ctx context.Context, task ingest.HealthTask) error {
	return q.redis.Push(ctx, q.key, Envelope{Task: task})
}

// Requeue puts a failed envelope back at the tail.
func (q *HealthQueue) Requeue(ctx context.Context, env Envelope) error {
	return q.redis.Push(ctx, q.key, env)
}

// DeadLetter parks an envelope that exhausted its attempts.
func (q *HealthQueue) DeadLetter(ctx context.Context, env Envelope) error {
	return q.redis.Push(ctx, q.key+deadLetterSuffix, env)
}

// Next waits up to timeout for a task.
func (q *HealthQueue) Next(ctx context.Context, timeout time.Duration) (Envelope, bool, error) {
	var env Envelope
	ok, err := q.redis.Pop(ctx, q.key, timeout, &env)
	return env, ok, err
}

// Pending returns the number of queued tasks.
func (q *HealthQueue) Pending(ctx context.Context) (int64, error) {
	return q.redis.Len(ctx, q.key)
}

// DeadLetters returns the number of parked tasks.
func (q *HealthQueue) DeadLetters(ctx context.Context) (int64, error) {
	return q.redis.Len(ctx, q.key+deadLetterSuffix)
}
