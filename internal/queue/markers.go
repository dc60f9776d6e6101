package queue

import (
	"context"
	"time"
)

// MarkProcessed records that a source item (e.g. a scanned comment) has been
// handled. Returns true exactly once per key within the TTL window; callers
// gate downstream enqueues on it so reprocessing the same item never queues
// a duplicate job.
func (q *Queue) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return q.rdb.SetNX(ctx, "seen:"+key, 1, ttl).Result()
}

// Armed marks intent to keep a self-rescheduling loop armed for the key.
// TryArm succeeds only when no arming marker exists; Rearm refreshes it
// unconditionally (the poll worker owns the loop once started); Disarm
// clears it when the loop reaches a terminal condition.
func (q *Queue) TryArm(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return q.rdb.SetNX(ctx, "armed:"+key, 1, ttl).Result()
}

func (q *Queue) Rearm(ctx context.Context, key string, ttl time.Duration) error {
	return q.rdb.Set(ctx, "armed:"+key, 1, ttl).Err()
}

func (q *Queue) Disarm(ctx context.Context, key string) error {
	return q.rdb.Del(ctx, "armed:"+key).Err()
}

// AcquireLock takes a best-effort distributed lock so only one scheduler
// process promotes due jobs at a time. Expiry bounds the damage of a crashed
// holder; promotion is idempotent so a rare double-holder is harmless.
func (q *Queue) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return q.rdb.SetNX(ctx, "lock:"+name, 1, ttl).Result()
}

func (q *Queue) ReleaseLock(ctx context.Context, name string) error {
	return q.rdb.Del(ctx, "lock:"+name).Err()
}
