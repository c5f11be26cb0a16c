// Package queue keeps deferred target attempts in Redis: rate-limit
// deferrals and crash-safe retry waits live in a scheduled set until due,
// then move through an in-flight lease while the dispatcher executes them.
// A lost entry resurfaces through the visibility lease or a manual retry.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scheduledKey = "publish:deferred"
	inflightKey  = "publish:inflight"
)

// Deferred coordinates the scheduled and in-flight sets.
type Deferred struct {
	client     *redis.Client
	visibility time.Duration
}

func NewDeferred(client *redis.Client, visibility time.Duration) *Deferred {
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &Deferred{client: client, visibility: visibility}
}

// Schedule parks a target attempt until runAt.
func (q *Deferred) Schedule(ctx context.Context, targetID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: targetID,
	}).Err()
}

// ClaimDue atomically moves due attempts into the in-flight set with a
// visibility deadline and returns their target ids.
func (q *Deferred) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := claimScript.Run(ctx, q.client, []string{scheduledKey, inflightKey},
		now.UnixMilli(), limit, now.Add(q.visibility).UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	ids := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight attempt.
func (q *Deferred) ExtendLease(ctx context.Context, targetID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: targetID,
	}).Err()
}

// Ack drops a completed attempt from in-flight tracking.
func (q *Deferred) Ack(ctx context.Context, targetID string) error {
	return q.client.ZRem(ctx, inflightKey, targetID).Err()
}

// RequeueExpired reclaims leases that timed out (crashed dispatcher),
// rescheduling them for immediate execution.
func (q *Deferred) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
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
		pipe.ZRem(ctx, inflightKey, id)
		pipe.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a target attempt from both sets (post canceled).
func (q *Deferred) Remove(ctx context.Context, targetID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, scheduledKey, targetID)
	pipe.ZRem(ctx, inflightKey, targetID)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns how many attempts are parked.
func (q *Deferred) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, scheduledKey).Result()
}

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i=1,#due do
  redis.call('ZREM', KEYS[1], due[i])
  redis.call('ZADD', KEYS[2], ARGV[3], due[i])
end
return due
`)
