package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pemss/internal/config"
	"pemss/internal/logging"
	"pemss/internal/queue"
	"pemss/internal/records"
	"pemss/internal/store"
)

// Worker consumes merge jobs published by the API and writes them to the
// saved records.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.QueueBackend != "redis" {
		logger.Fatal("worker needs QUEUE_BACKEND=redis; inline and memory merges run inside the API",
			zap.String("queue", cfg.QueueBackend))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("backend connect failed", zap.Error(err))
	}
	defer backends.Close()

	rs := records.NewStore(backends.Docs, records.Options{
		Collection:  cfg.RecordsCollection,
		MaxAttempts: cfg.MergeMaxAttempts,
		Logger:      logger.Named("records"),
	})
	q := queue.NewRedisQueue(backends.Redis.Client, cfg.QueueKey, func(err error) {
		logger.Warn("merge queue error", zap.Error(err))
	})

	w := &queue.Worker{
		Queue: q,
		Apply: func(ctx context.Context, job queue.MergeJob) error {
			res, err := rs.Merge(ctx, job.UserID, job.SessionIDs, job.Section)
			if err == nil && res.Written {
				logger.Info("saved record updated",
					zap.String("user_id", job.UserID), zap.Strings("added", res.Added))
			}
			return err
		},
		Log: logger.Named("worker"),
	}
	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
