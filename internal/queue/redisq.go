package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"

	"github.com/growthpigs/revos-dispatch/internal/domain"
)

// Redis key layout, all prefixed by queue name:
//
//	delay:<queue>   ZSET  job id scored by due unix time
//	run:<queue>     LIST  due job ids, LPUSH producer / BLMOVE consumer
//	proc:<queue>    LIST  claimed job ids, moved atomically out of run
//	active:<queue>  HASH  job id -> claim unix time
//	dead:<queue>    LIST  dead-lettered envelopes (JSON, with reason)
//	job:<id>        STR   job envelope JSON
//	stats:<queue>:completed / :failed  counters
func delayKey(q domain.QueueName) string  { return "delay:" + string(q) }
func runKey(q domain.QueueName) string    { return "run:" + string(q) }
func procKey(q domain.QueueName) string   { return "proc:" + string(q) }
func activeKey(q domain.QueueName) string { return "active:" + string(q) }
func deadKey(q domain.QueueName) string   { return "dead:" + string(q) }
func jobKey(id string) string             { return "job:" + id }
func statKey(q domain.QueueName, s string) string {
	return fmt.Sprintf("stats:%s:%s", q, s)
}

var ErrJobNotFound = fmt.Errorf("queue: job not found")

// Queue is the durable job store shared by all three delivery queues. One
// instance per process, wrapping the single shared Redis client; schedulers
// and workers receive it by injection, never construct their own.
type Queue struct {
	rdb           *r.Client
	clock         clockwork.Clock
	deadLetterTTL time.Duration
}

func New(rdb *r.Client, clock clockwork.Clock, deadLetterTTL time.Duration) *Queue {
	return &Queue{rdb: rdb, clock: clock, deadLetterTTL: deadLetterTTL}
}

type EnqueueOptions struct {
	// JobID overrides the generated id. Callers must supply something
	// collision-resistant; entity-id-plus-timestamp is not.
	JobID       string
	Delay       time.Duration
	MaxAttempts int
	// Attempt seeds the starting attempt number for jobs that continue a
	// prior delivery history (manual retries). Zero means a fresh job.
	Attempt int
}

// Enqueue validates the payload, persists the envelope and places the job in
// the delay set (or straight onto the run list when Delay is zero).
func (q *Queue) Enqueue(ctx context.Context, payload domain.JobPayload, opts EnqueueOptions) (domain.Job, error) {
	if err := payload.Validate(); err != nil {
		return domain.Job{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, err
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	attempt := opts.Attempt
	if attempt < 1 {
		attempt = 1
	}
	now := q.clock.Now().UTC()
	job := domain.Job{
		ID:           id,
		Queue:        payload.QueueName(),
		Payload:      raw,
		Attempt:      attempt,
		MaxAttempts:  maxAttempts,
		ScheduledFor: now.Add(opts.Delay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := q.writeEnvelope(ctx, job); err != nil {
		return domain.Job{}, err
	}
	if opts.Delay > 0 {
		err = q.rdb.ZAdd(ctx, delayKey(job.Queue), r.Z{
			Score:  float64(job.ScheduledFor.Unix()),
			Member: job.ID,
		}).Err()
	} else {
		err = q.rdb.LPush(ctx, runKey(job.Queue), job.ID).Err()
	}
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Dequeue blocks up to block for a due job and claims it. The claim is the
// BLMOVE itself: pop and claim are one Redis op, so a consumer dying at any
// point leaves the id either on the run list or on the processing list, and
// RequeueStalled can always find it. The active hash only timestamps the
// claim for staleness detection. Returns ErrJobNotFound when the wait times
// out.
func (q *Queue) Dequeue(ctx context.Context, name domain.QueueName, block time.Duration) (domain.Job, error) {
	id, err := q.rdb.BLMove(ctx, runKey(name), procKey(name), "RIGHT", "LEFT", block).Result()
	if err == r.Nil {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}

	job, err := q.readEnvelope(ctx, id)
	if err == ErrJobNotFound {
		// Envelope gone (cancelled mid-flight); drop the orphan id.
		q.rdb.LRem(ctx, procKey(name), 1, id)
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	claim := strconv.FormatInt(q.clock.Now().Unix(), 10)
	if err := q.rdb.HSet(ctx, activeKey(name), id, claim).Err(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Complete removes all trace of the job from the live keys. The delivery
// activity row is the durable record; nothing else is kept.
func (q *Queue) Complete(ctx context.Context, job domain.Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, procKey(job.Queue), 1, job.ID)
	pipe.HDel(ctx, activeKey(job.Queue), job.ID)
	pipe.Del(ctx, jobKey(job.ID))
	pipe.Incr(ctx, statKey(job.Queue, "completed"))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry re-arms the job in the delay set with its updated attempt count and
// schedule. The caller owns attempt bookkeeping.
func (q *Queue) Retry(ctx context.Context, job domain.Job) error {
	job.UpdatedAt = q.clock.Now().UTC()
	if err := q.writeEnvelope(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, procKey(job.Queue), 1, job.ID)
	pipe.HDel(ctx, activeKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, delayKey(job.Queue), r.Z{
		Score:  float64(job.ScheduledFor.Unix()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

type deadEnvelope struct {
	Job    domain.Job `json:"job"`
	Reason string     `json:"reason"`
	DeadAt time.Time  `json:"dead_at"`
}

// DeadLetter moves the job to the terminal failed list. The list carries a
// TTL so dead envelopes do not accumulate forever; the failed activity row
// remains the permanent record.
func (q *Queue) DeadLetter(ctx context.Context, job domain.Job, reason string) error {
	raw, err := json.Marshal(deadEnvelope{Job: job, Reason: reason, DeadAt: q.clock.Now().UTC()})
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, procKey(job.Queue), 1, job.ID)
	pipe.HDel(ctx, activeKey(job.Queue), job.ID)
	pipe.Del(ctx, jobKey(job.ID))
	pipe.LPush(ctx, deadKey(job.Queue), raw)
	pipe.Expire(ctx, deadKey(job.Queue), q.deadLetterTTL)
	pipe.Incr(ctx, statKey(job.Queue, "failed"))
	_, err = pipe.Exec(ctx)
	return err
}

// Cancel removes a not-yet-active job. A job already claimed by a worker
// finishes its current attempt; cancellation only prevents future ones.
func (q *Queue) Cancel(ctx context.Context, name domain.QueueName, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, delayKey(name), jobID)
	pipe.LRem(ctx, runKey(name), 0, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves due jobs from the delay set to the run list. Driven by
// the scheduler process tick under a promotion lock.
func (q *Queue) PromoteDue(ctx context.Context, name domain.QueueName, batch int64) (int, error) {
	now := q.clock.Now().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey(name), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, runKey(name), id)
		pipe.ZRem(ctx, delayKey(name), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueStalled returns jobs stuck on the processing list to the run list.
// The list is the claim record, so even a consumer that died between the
// BLMOVE and its claim timestamp is found here; such an id gets a timestamp
// adopted on first sight and is requeued once it ages past olderThan. The
// attempt is not burned, delivery stays at-least-once.
func (q *Queue) RequeueStalled(ctx context.Context, name domain.QueueName, olderThan time.Duration) (int, error) {
	ids, err := q.rdb.LRange(ctx, procKey(name), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	claims, err := q.rdb.HGetAll(ctx, activeKey(name)).Result()
	if err != nil {
		return 0, err
	}

	now := q.clock.Now()
	cutoff := now.Add(-olderThan).Unix()
	requeued := 0
	for _, id := range ids {
		claimedAt, ok := claims[id]
		if !ok {
			// Orphaned claim with no timestamp: the consumer died right
			// after the move. Start its stall clock now; a live worker's
			// own timestamp write overwrites this harmlessly.
			if err := q.rdb.HSetNX(ctx, activeKey(name), id,
				strconv.FormatInt(now.Unix(), 10)).Err(); err != nil {
				return requeued, err
			}
			continue
		}
		ts, err := strconv.ParseInt(claimedAt, 10, 64)
		if err != nil || ts > cutoff {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, procKey(name), 1, id)
		pipe.HDel(ctx, activeKey(name), id)
		pipe.LPush(ctx, runKey(name), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Status is side-effect-free and safe to poll.
func (q *Queue) Status(ctx context.Context, name domain.QueueName) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, runKey(name))
	active := pipe.LLen(ctx, procKey(name))
	delayed := pipe.ZCard(ctx, delayKey(name))
	completed := pipe.Get(ctx, statKey(name, "completed"))
	failed := pipe.Get(ctx, statKey(name, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && err != r.Nil {
		return Counts{}, err
	}
	counts := Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	counts.Completed, _ = strconv.ParseInt(completed.Val(), 10, 64)
	counts.Failed, _ = strconv.ParseInt(failed.Val(), 10, 64)
	return counts, nil
}

func (q *Queue) writeEnvelope(ctx context.Context, job domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err()
}

func (q *Queue) readEnvelope(ctx context.Context, id string) (domain.Job, error) {
	raw, err := q.rdb.Get(ctx, jobKey(id)).Bytes()
	if err == r.Nil {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}
