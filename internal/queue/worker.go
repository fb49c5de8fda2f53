package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Worker drains merge jobs and applies them one at a time. A failed job is
// logged and dropped.
type Worker struct {
	Queue Queue
	Apply func(ctx context.Context, job MergeJob) error
	// Timeout bounds a single job. Defaults to 30s.
	Timeout time.Duration
	Log     *zap.Logger
}

// Run consumes until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	messages, err := w.Queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}

	log.Info("worker started, waiting for merge jobs")
	for msg := range messages {
		job, err := MergeJobFrom(msg)
		if err != nil {
			log.Warn("skipping message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		err = w.Apply(jobCtx, job)
		cancel()
		if err != nil {
			log.Error("merge job failed",
				zap.String("message_id", msg.ID),
				zap.String("user_id", job.UserID),
				zap.Strings("session_ids", job.SessionIDs),
				zap.Error(err))
			continue
		}
		log.Debug("merge job applied",
			zap.String("message_id", msg.ID),
			zap.String("user_id", job.UserID),
			zap.Duration("lag", time.Since(job.DetectedAt)))
	}
	log.Info("worker stopped")
	return nil
}
