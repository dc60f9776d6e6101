package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/growthpigs/revos-dispatch/internal/classify"
	"github.com/growthpigs/revos-dispatch/internal/config"
	"github.com/growthpigs/revos-dispatch/internal/delivery"
	"github.com/growthpigs/revos-dispatch/internal/httpapi"
	"github.com/growthpigs/revos-dispatch/internal/linkedin"
	"github.com/growthpigs/revos-dispatch/internal/queue"
	"github.com/growthpigs/revos-dispatch/internal/schedule"
	"github.com/growthpigs/revos-dispatch/internal/storage"
)

type redisPinger struct{ rdb *r.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

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
	client := linkedin.NewClient(cfg.LinkedInBaseURL, cfg.LinkedInAPIKey, log)

	dms := delivery.NewDMScheduler(store, q, planner, clock, cfg, log)
	poller := delivery.NewCommentPoller(store, q, client, classify.New(), dms, clock, cfg, log)
	pollSweep := delivery.NewCommentPollScheduler(store, q, poller, planner, clock, cfg, log)
	amplifier := delivery.NewPodRepostScheduler(store, q, planner, clock, cfg, log)

	server := httpapi.NewServer(store, q, pollSweep, amplifier, dms,
		db, redisPinger{rdb}, log)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
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
