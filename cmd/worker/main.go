package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"studio-job-queue/internal/api"
	"studio-job-queue/internal/blob"
	"studio-job-queue/internal/config"
	"studio-job-queue/internal/guard"
	"studio-job-queue/internal/lease"
	"studio-job-queue/internal/store"
	"studio-job-queue/internal/telemetry"
	"studio-job-queue/internal/worker"
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

	workerID := cfg.ResolveWorkerID()
	leases, err := lease.New(guard.Wrap(st, logger), lease.Options{
		WorkerID:      workerID,
		LeaseDuration: cfg.LeaseDuration,
		BatchSize:     cfg.ScanBatchSize,
		Backoff:       lease.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		Logger:        logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("init lease manager")
	}

	blobs, err := blob.Open(ctx, blob.Options{
		Driver:      cfg.BlobDriver,
		LocalDir:    cfg.BlobLocalDir,
		S3Bucket:    cfg.S3Bucket,
		S3Region:    cfg.S3Region,
		S3Endpoint:  cfg.S3Endpoint,
		S3PathStyle: cfg.S3PathStyle,
		GCSBucket:   cfg.GCSBucket,
	})
	if err != nil {
		logger.WithError(err).Fatal("init blob store")
	}

	registry := worker.NewRegistry()
	thumbs := worker.NewThumbnailHandler(blobs, worker.ThumbnailOptions{
		DownloadTimeout: cfg.ImageDownloadTimeout,
		MaxBytes:        cfg.ImageMaxBytes,
		DefaultWidth:    cfg.ImageDefaultWidth,
	})
	if err := (&worker.StudioHandlers{Blobs: blobs}).Register(registry, thumbs); err != nil {
		logger.WithError(err).Fatal("register handlers")
	}

	processor := worker.NewProcessor(leases, registry, worker.Options{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Logger:       logger,
	})

	metrics := chi.NewRouter()
	metrics.Mount("/metrics", telemetry.Handler())

	logger.WithFields(logrus.Fields{
		"worker_id":   workerID,
		"lease":       cfg.LeaseDuration.String(),
		"concurrency": cfg.WorkerConcurrency,
		"types":       registry.Types(),
	}).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, cfg.MetricsAddr, metrics, logger)
	})
	g.Go(func() error {
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
