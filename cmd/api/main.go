package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"pemss/internal/attendance"
	"pemss/internal/auth"
	"pemss/internal/catalog"
	"pemss/internal/config"
	"pemss/internal/handler"
	"pemss/internal/history"
	"pemss/internal/logging"
	"pemss/internal/metrics"
	"pemss/internal/queue"
	"pemss/internal/reconcile"
	"pemss/internal/records"
	"pemss/internal/store"
	"pemss/internal/watcher"
)

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

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	recordStore := records.NewStore(backends.Docs, records.Options{
		Collection:  cfg.RecordsCollection,
		MaxAttempts: cfg.MergeMaxAttempts,
		Logger:      logger.Named("records"),
		Metrics:     rec,
	})
	fetcher := catalog.NewFetcher(backends.Docs, cfg.SessionsCollection, cfg.CatalogConcurrency, logger.Named("catalog"), rec)

	persister, err := newPersister(ctx, cfg, backends, recordStore, logger)
	if err != nil {
		return err
	}
	engine := reconcile.NewEngine(
		watcher.New(backends.Docs, cfg.SessionsCollection, nil, logger.Named("watcher")),
		recordStore,
		persister,
		reconcile.Options{SeedFromStore: cfg.SeedFromStore, Logger: logger.Named("reconcile"), Metrics: rec},
	)
	defer engine.StopAll()

	h := handler.New(handler.Deps{
		Records:  recordStore,
		Catalog:  fetcher,
		History:  history.NewService(recordStore, fetcher, nil, logger.Named("history")),
		Engine:   engine,
		Sessions: attendance.NewService(attendance.NewRepository(backends.Docs, cfg.SessionsCollection), cfg.SessionTTL, logger.Named("attendance")),
		Logger:   logger,
	})

	opts := handler.RouterOptions{
		Verifier:        verifier(cfg, backends),
		Logger:          logger.Named("http"),
		Metrics:         rec,
		Gatherer:        reg,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSAllowedOrigins,
		Health:          backends.Health,
	}
	if !cfg.Production() && cfg.AuthMode == "jwt" {
		opts.IssueToken = func(p auth.Principal) (string, time.Time, error) {
			return auth.Issue(p, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		}
	}

	// Live feeds hold the response open, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.NewRouter(h, opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("docstore", cfg.DocstoreBackend), zap.String("queue", cfg.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Stop live runs first so their streams end and Shutdown can drain.
	engine.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

// newPersister picks where newly seen sessions go. "memory" runs the merge
// worker inside this process.
func newPersister(ctx context.Context, cfg config.App, b *store.Backends, rs *records.Store, logger *zap.Logger) (reconcile.Persister, error) {
	switch cfg.QueueBackend {
	case "inline":
		return reconcile.StorePersister{Store: rs}, nil
	case "memory":
		q := queue.NewInMemory(256)
		w := &queue.Worker{Queue: q, Apply: applyMerge(rs), Log: logger.Named("worker")}
		go func() { _ = w.Run(ctx) }()
		return reconcile.QueuePersister{Queue: q}, nil
	case "redis":
		q := queue.NewRedisQueue(b.Redis.Client, cfg.QueueKey, func(err error) {
			logger.Warn("merge queue error", zap.Error(err))
		})
		return reconcile.QueuePersister{Queue: q}, nil
	}
	return nil, errors.New("unknown queue backend " + cfg.QueueBackend)
}

func applyMerge(rs *records.Store) func(context.Context, queue.MergeJob) error {
	return func(ctx context.Context, job queue.MergeJob) error {
		_, err := rs.Merge(ctx, job.UserID, job.SessionIDs, job.Section)
		return err
	}
}

func verifier(cfg config.App, b *store.Backends) auth.Verifier {
	if cfg.AuthMode == "firebase" {
		return auth.FirebaseVerifier{Client: b.Firebase.Auth}
	}
	return auth.JWTVerifier{Key: cfg.JWTSigningKey, Issuer: cfg.JWTIssuer}
}
