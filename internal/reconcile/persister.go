package reconcile

import (
	"context"
	"time"

	"pemss/internal/queue"
	"pemss/internal/records"
)

// Persister stores newly seen session ids for a user.
type Persister interface {
	Persist(ctx context.Context, userID string, sessionIDs []string, section string) error
}

// StorePersister merges directly into the saved record.
type StorePersister struct {
	Store *records.Store
}

func (p StorePersister) Persist(ctx context.Context, userID string, sessionIDs []string, section string) error {
	_, err := p.Store.Merge(ctx, userID, sessionIDs, section)
	return err
}

// QueuePersister hands merges to the worker through a queue. A nil error
// means the job was enqueued, not that the record was written.
type QueuePersister struct {
	Queue queue.Queue
	Now   func() time.Time
}

func (p QueuePersister) Persist(ctx context.Context, userID string, sessionIDs []string, section string) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	msg, err := queue.NewMergeMessage(queue.MergeJob{
		UserID:     userID,
		SessionIDs: sessionIDs,
		Section:    section,
		DetectedAt: now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.Queue.Publish(ctx, msg)
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, userID string, sessionIDs []string, section string) error

func (f PersisterFunc) Persist(ctx context.Context, userID string, sessionIDs []string, section string) error {
	return f(ctx, userID, sessionIDs, section)
}

var (
	_ Persister = StorePersister{}
	_ Persister = QueuePersister{}
	_ Persister = PersisterFunc(nil)
)
