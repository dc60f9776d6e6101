package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/classify"
	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/delivery"
	"github.com/growthpigs/revos-dispatch/internal/linkedin"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/ratelimit"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
	"github.com/growthpigs/revos-dispatch/internal/storage"
)

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
	limiter := ratelimit.New(rdb, clock, cfg.DailyDMLimit, cfg.RateLimitKeyTTL)
	client := linkedin.NewClient(cfg.LinkedInBaseURL, cfg.LinkedInAPIKey, log)

	dms := delivery.NewDMScheduler(store, q, planner, clock, cfg, log)
	poller := delivery.NewCommentPoller(store, q, client, classify.New(), dms, clock, cfg, log)

	handlers := []delivery.Handler{
		delivery.NewDMWorker(store, client, limiter, planner, clock, log),
		delivery.NewCommentPollWorker(store, q, poller, planner, clock, cfg, log),
		delivery.NewPodRepostWorker(store, client, clock, log),
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		pool := delivery.NewPool(q, h, planner, clock, cfg, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	log.Info("workers running",
		zap.Int("queues", len(handlers)),
		zap.Int("concurrency", cfg.WorkerConcurrency))

	<-ctx.Done()
	log.Info("draining in-flight jobs")
	wg.Wait()
	log.Info("worker stopped")
}

func newLogger() *zap.Logger {
	if os.Getenv("APP_ENV") == "development" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
