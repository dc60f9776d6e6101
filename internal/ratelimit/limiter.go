package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
)

// DailyLimiter enforces the per-account daily send ceiling. The counter is
// keyed by (account, UTC date) so reset is implicit: a new day is a new key.
// Old keys expire on their own; there is no reset job.
type DailyLimiter struct {
	rdb    *r.Client
	clock  clockwork.Clock
	limit  int
	keyTTL time.Duration
}

func New(rdb *r.Client, clock clockwork.Clock, limit int, keyTTL time.Duration) *DailyLimiter {
	return &DailyLimiter{rdb: rdb, clock: clock, limit: limit, keyTTL: keyTTL}
}

type Decision struct {
	Allowed bool
	Count   int64
	Limit   int
	ResetAt time.Time
}

// Allow atomically takes one unit of today's quota for the account. INCR is
// the atomic read-modify-write; when the post-increment value is over the
// limit the unit is handed back with a compensating DECR, so two concurrent
// callers can never both cross the boundary.
//
// If Redis is unreachable the limiter fails closed: a counter we cannot read
// must be assumed exhausted, or the platform's usage policy gets violated.
func (l *DailyLimiter) Allow(ctx context.Context, accountID string) (Decision, error) {
	now := l.clock.Now().UTC()
	key := l.key(accountID, now)
	resetAt := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Decision{Allowed: false, Limit: l.limit, ResetAt: resetAt},
			fmt.Errorf("ratelimit: counter store unreachable, failing closed: %w", err)
	}
	if count == 1 {
		// First send of the day created the key; bound its lifetime.
		if err := l.rdb.Expire(ctx, key, l.keyTTL).Err(); err != nil {
			return Decision{Allowed: false, Limit: l.limit, ResetAt: resetAt},
				fmt.Errorf("ratelimit: counter store unreachable, failing closed: %w", err)
		}
	}

	if count > int64(l.limit) {
		if err := l.rdb.Decr(ctx, key).Err(); err != nil {
			// The decrement failing leaves the counter high, which only
			// makes the limiter stricter. Report the deferral regardless.
			return Decision{Allowed: false, Count: count, Limit: l.limit, ResetAt: resetAt}, nil
		}
		return Decision{Allowed: false, Count: count - 1, Limit: l.limit, ResetAt: resetAt}, nil
	}

	return Decision{Allowed: true, Count: count, Limit: l.limit, ResetAt: resetAt}, nil
}

// Remaining reports today's unused quota without consuming any.
func (l *DailyLimiter) Remaining(ctx context.Context, accountID string) (int64, error) {
	count, err := l.rdb.Get(ctx, l.key(accountID, l.clock.Now().UTC())).Int64()
	if err == r.Nil {
		return int64(l.limit), nil
	}
	if err != nil {
		return 0, err
	}
	remaining := int64(l.limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *DailyLimiter) key(accountID string, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s", accountID, now.Format("2006-01-02"))
}
