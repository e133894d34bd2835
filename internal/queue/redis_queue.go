package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PackQueue coordinates ready, in-flight, and scheduled pack work in Redis.
// The inflight zset is scored by visibility deadline: a worker that dies
// mid-pack simply lets its lease expire and another worker resumes the pack
// from its persisted items.
type PackQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// Options configures queue key names and lease duration.
type Options struct {
	VisibilityTimeout time.Duration
}

// New builds a pack queue on an existing Redis client.
func New(client *redis.Client, opts Options) *PackQueue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &PackQueue{
		client:        client,
		readyKey:      "packs:ready",
		inflightKey:   "packs:inflight",
		scheduledKey:  "packs:scheduled",
		dlqKey:        "packs:dlq",
		visibilityTTL: visibility,
	}
}

// Enqueue makes a pack available for workers, immediately or at runAt.
func (q *PackQueue) Enqueue(ctx context.Context, packID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: packID}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, packID).Err()
}

// Schedule defers a pack until runAt, used for pack-level retry backoff.
func (q *PackQueue) Schedule(ctx context.Context, packID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: packID}).Err()
}

// PromoteScheduled moves due scheduled packs into the ready list. It returns
// how many were promoted.
func (q *PackQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
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
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready pack and places it into inflight with
// a visibility timeout. Returns "" when the queue is empty.
func (q *PackQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	packID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return packID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight pack,
// useful for very large packs that outlive the default lease.
func (q *PackQueue) ExtendLease(ctx context.Context, packID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: packID,
	}).Err()
}

// Ack removes a pack from in-flight tracking.
func (q *PackQueue) Ack(ctx context.Context, packID string) error {
	return q.client.ZRem(ctx, q.inflightKey, packID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing those packs so
// another worker resumes them.
func (q *PackQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a pack from ready, scheduled, and in-flight structures. A
// pack already being worked also checks its status before each step, so a
// cancel takes effect within one step's latency either way.
func (q *PackQueue) Cancel(ctx context.Context, packID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, packID)
	pipe.ZRem(ctx, q.inflightKey, packID)
	pipe.ZRem(ctx, q.scheduledKey, packID)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *PackQueue) DLQPush(ctx context.Context, packID string) error {
	return q.client.RPush(ctx, q.dlqKey, packID).Err()
}

// DLQPeek reads the latest dead-lettered pack IDs.
func (q *PackQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *PackQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local pack = redis.call('LPOP', KEYS[1])
if pack then
  redis.call('ZADD', KEYS[2], ARGV[1], pack)
  return pack
end
return nil
`)
