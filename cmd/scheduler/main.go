package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/delivery"
	"github.com/growthpigs/revos-dispatch/internal/domain"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
	"github.com/growthpigs/revos-dispatch/internal/storage"
)

const (
	promoteLock  = "promote"
	promoteEvery = time.Second
	promoteBatch = 200
	stalledEvery = time.Minute
)

// The scheduler process owns the queue's time axis: promoting due jobs,
// requeueing stalled claims, and the periodic pod-post discovery. Multiple
// replicas coordinate through the promotion lock.
func main() {
	log := newLogger()
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	clock := clockwork.NewRealClock()
	store := storage.New(db)
	q := queue.New(rdb, clock, cfg.DeadLetterTTL)
	planner := schedule.New(cfg, clock)

	amplifier := delivery.NewPodRepostScheduler(store, q, planner, clock, cfg, log)
	podPoller := delivery.NewPodPostPoller(store, amplifier, clock, cfg, log)

	c := cron.New()
	_, err = c.AddFunc(fmt.Sprintf("@every %s", cfg.PodPollInterval), func() {
		if err := podPoller.Run(ctx); err != nil {
			log.Warn("pod post discovery finished with errors", zap.Error(err))
		}
	})
	if err != nil {
		log.Fatal("cron setup failed", zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	promote := time.NewTicker(promoteEvery)
	defer promote.Stop()
	stalled := time.NewTicker(stalledEvery)
	defer stalled.Stop()

	log.Info("scheduler running", zap.Duration("pod_poll_interval", cfg.PodPollInterval))

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-promote.C:
			promoteDue(ctx, q, log)
		case <-stalled.C:
			requeueStalled(ctx, q, cfg.StalledAfter, log)
		}
	}
}

// promoteDue moves due delayed jobs onto the run lists. The lock keeps
// replicas from promoting the same batch; promotion is idempotent so an
// expired lock mid-batch cannot lose or duplicate jobs.
func promoteDue(ctx context.Context, q *queue.Queue, log *zap.Logger) {
	ok, err := q.AcquireLock(ctx, promoteLock, 10*time.Second)
	if err != nil {
		log.Warn("promotion lock unavailable", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := q.ReleaseLock(ctx, promoteLock); err != nil {
			log.Warn("promotion lock release failed", zap.Error(err))
		}
	}()

	for _, name := range domain.Queues() {
		n, err := q.PromoteDue(ctx, name, promoteBatch)
		if err != nil {
			log.Error("promotion failed", zap.String("queue", string(name)), zap.Error(err))
			continue
		}
		if n > 0 {
			log.Info("jobs promoted", zap.String("queue", string(name)), zap.Int("count", n))
		}
	}
}

func requeueStalled(ctx context.Context, q *queue.Queue, olderThan time.Duration, log *zap.Logger) {
	for _, name := range domain.Queues() {
		n, err := q.RequeueStalled(ctx, name, olderThan)
		if err != nil {
			log.Error("stalled requeue failed", zap.String("queue", string(name)), zap.Error(err))
			continue
		}
		if n > 0 {
			log.Warn("stalled jobs requeued", zap.String("queue", string(name)), zap.Int("count", n))
		}
	}
}

func newLogger() *zap.Logger {
	if os.Getenv("APP_ENV") == "development" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
