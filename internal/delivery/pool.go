package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/linkedin"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
)

const dequeueBlock = 2 * time.Second

// Handler executes one job for its queue. Handle's returned error drives
// the pool's retry decision; OnDeadLetter runs exactly once when the job
// reaches its terminal failed state, to write the audit row and the alert.
type Handler interface {
	Queue() domain.QueueName
	Handle(ctx context.Context, job domain.Job) error
	OnDeadLetter(ctx context.Context, job domain.Job, cause error)
}

// Pool runs one queue's workers: a bounded number of concurrent executions
// plus a queue-scoped cap on job starts per minute. A job is owned by
// exactly one worker goroutine from dequeue to its terminal call.
type Pool struct {
	queue   JobStore
	handler Handler
	planner *schedule.Planner
	clock   clockwork.Clock
	log     *zap.Logger

	concurrency     int
	startsPerMinute int
	jobTimeout      time.Duration
}

func NewPool(q JobStore, h Handler, planner *schedule.Planner, clock clockwork.Clock,
	cfg config.Config, log *zap.Logger) *Pool {

	return &Pool{
		queue:           q,
		handler:         h,
		planner:         planner,
		clock:           clock,
		log:             log.Named("pool").With(zap.String("queue", string(h.Queue()))),
		concurrency:     cfg.WorkerConcurrency,
		startsPerMinute: cfg.StartsPerMinute,
		jobTimeout:      cfg.APICallTimeout,
	}
}

// Run blocks until ctx is cancelled and all in-flight jobs have finished.
// Cancellation is preventative: a job mid-execution completes its attempt.
func (p *Pool) Run(ctx context.Context) {
	starts := make(chan struct{}, p.startsPerMinute)
	for i := 0; i < p.startsPerMinute; i++ {
		starts <- struct{}{}
	}
	refill := p.clock.NewTicker(time.Minute / time.Duration(p.startsPerMinute))
	defer refill.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-refill.Chan():
				select {
				case starts <- struct{}{}:
				default:
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, starts)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, starts <-chan struct{}) {
	name := p.handler.Queue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-starts:
		}

		job, err := p.queue.Dequeue(ctx, name, dequeueBlock)
		if err == queue.ErrJobNotFound {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dequeue failed", zap.Error(err))
			p.clock.Sleep(time.Second)
			continue
		}

		// The attempt runs on a fresh context so shutdown does not abort
		// a call already in flight.
		p.process(context.WithoutCancel(ctx), job)
	}
}

func (p *Pool) process(ctx context.Context, job domain.Job) {
	log := p.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	err := p.handler.Handle(jobCtx, job)
	cancel()

	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, job); cerr != nil {
			log.Error("complete failed", zap.Error(cerr))
			return
		}
		log.Info("job completed")

	case IsPrecondition(err):
		// Sound business state: the target is gone or inactive. Complete
		// as a no-op, no retry, no alert.
		if cerr := p.queue.Complete(ctx, job); cerr != nil {
			log.Error("complete failed", zap.Error(cerr))
			return
		}
		log.Info("job completed as no-op", zap.String("reason", err.Error()))

	default:
		p.retryOrDeadLetter(ctx, job, err, log)
	}
}

func (p *Pool) retryOrDeadLetter(ctx context.Context, job domain.Job, err error, log *zap.Logger) {
	if until, ok := DeferredUntil(err); ok {
		// Internal quota deferral is not a failure; the attempt count
		// stays put and the job waits for the reset boundary.
		job.ScheduledFor = until
		if rerr := p.queue.Retry(ctx, job); rerr != nil {
			log.Error("defer failed", zap.Error(rerr))
			return
		}
		log.Info("job deferred", zap.Time("until", until), zap.String("reason", err.Error()))
		return
	}

	if isMarkedPermanent(err) || linkedin.IsPermanent(err) {
		p.deadLetter(ctx, job, err, log)
		return
	}

	if job.Attempt >= job.MaxAttempts {
		p.deadLetter(ctx, job, err, log)
		return
	}

	backoff := p.planner.Backoff(job.Attempt)
	if linkedin.IsRateLimited(err) {
		// The platform's own limit fired: our estimate of its ceiling was
		// wrong. Back off harder and leave a loud trace for tuning; the
		// schedule is not auto-adjusted.
		backoff = p.planner.ExtendedBackoff(job.Attempt)
		log.Warn("platform rate limit hit, extending backoff",
			zap.Duration("backoff", backoff))
	}

	job.Attempt++
	job.ScheduledFor = p.clock.Now().UTC().Add(backoff)
	if rerr := p.queue.Retry(ctx, job); rerr != nil {
		log.Error("retry failed", zap.Error(rerr))
		return
	}
	log.Warn("job retrying",
		zap.Error(err),
		zap.Duration("backoff", backoff),
		zap.Int("next_attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts))
}

func (p *Pool) deadLetter(ctx context.Context, job domain.Job, cause error, log *zap.Logger) {
	if derr := p.queue.DeadLetter(ctx, job, cause.Error()); derr != nil {
		log.Error("dead-letter failed", zap.Error(derr))
		return
	}
	p.handler.OnDeadLetter(ctx, job, cause)
	log.Error("job dead-lettered", zap.Error(cause), zap.Int("attempts", job.Attempt))
}
