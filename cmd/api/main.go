package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"studio-job-queue/internal/api"
	"studio-job-queue/internal/config"
	"studio-job-queue/internal/guard"
	"studio-job-queue/internal/queue"
	"studio-job-queue/internal/ratelimit"
	"studio-job-queue/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{Driver: cfg.StoreDriver, PostgresDSN: cfg.PostgresDSN, SQLitePath: cfg.SQLitePath})
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}
	defer st.Close()

	svc := queue.NewService(guard.Wrap(st, logger), queue.Defaults{
		MaxAttempts: cfg.DefaultMaxAttempts,
		Priority:    cfg.DefaultPriority,
	}, logger)

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
	} else {
		logger.Warn("REDIS_ADDR not set, enqueue rate limiting disabled")
	}

	auth := api.NewAuthenticator(cfg.APITokens)
	if len(cfg.APITokens) == 0 {
		logger.Warn("API_TOKENS not set, trusting X-Actor-ID / X-Actor-Role headers")
	}

	server := api.New(svc, auth, limiter, logger)

	if err := api.Serve(ctx, ":"+cfg.HTTPPort, server.Router(), logger); err != nil {
		logger.WithError(err).Error("api stopped")
		os.Exit(1)
	}
	logger.Info("api stopped")
}
