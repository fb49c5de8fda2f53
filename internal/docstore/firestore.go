package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore adapts a Firestore client. Live watches use query snapshot
// listeners and CompareAndSet runs inside a transaction keyed on the
// document update time.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore wraps an initialised client.
func NewFirestore(client *firestore.Client) *Firestore {
	return &Firestore{client: client}
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Document, error) {
	snap, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	return fromSnapshot(snap)
}

func (f *Firestore) query(collection string, filters []Filter) firestore.Query {
	q := f.client.Collection(collection).Query
	for _, flt := range filters {
		q = q.Where(flt.Field, string(flt.Op), flt.Value)
	}
	return q
}

func (f *Firestore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	iter := f.query(collection, filters).Documents(ctx)
	defer iter.Stop()

	out := []Document{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
		}
		doc, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sortByID(out)
	return out, nil
}

func (f *Firestore) Watch(ctx context.Context, collection string, filters ...Filter) (<-chan Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := f.query(collection, filters).Snapshots(ctx)
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled || err == iterator.Done {
					return
				}
				select {
				case out <- Snapshot{Err: fmt.Errorf("docstore: watch %s: %w", collection, err)}:
				case <-ctx.Done():
				}
				return
			}
			snaps, err := qs.Documents.GetAll()
			var docs []Document
			if err == nil {
				docs, err = fromSnapshots(snaps)
			}
			if err != nil {
				select {
				case out <- Snapshot{Err: fmt.Errorf("docstore: watch %s: %w", collection, err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- Snapshot{Docs: docs}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *Firestore) Set(ctx context.Context, collection, id string, data map[string]any) error {
	if _, err := f.client.Collection(collection).Doc(id).Set(ctx, toFirestore(data)); err != nil {
		return fmt.Errorf("docstore: set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range toFirestore(fields) {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	if _, err := f.client.Collection(collection).Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("docstore: update %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, collection, id string) error {
	if _, err := f.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expectVersion int64) error {
	ref := f.client.Collection(collection).Doc(id)
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current int64
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			current = snap.UpdateTime.UnixNano()
		}
		if current != expectVersion {
			return ErrConflict
		}
		return tx.Set(ref, toFirestore(data))
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("docstore: cas %s/%s: %w", collection, id, err)
	}
	return nil
}

func toFirestore(data map[string]any) map[string]any {
	return replaceSentinels(data, func() any { return firestore.ServerTimestamp })
}

func fromSnapshot(snap *firestore.DocumentSnapshot) (Document, error) {
	data, err := normalize(snap.Data(), snap.UpdateTime)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:        snap.Ref.ID,
		Data:      data,
		Version:   snap.UpdateTime.UnixNano(),
		UpdatedAt: snap.UpdateTime.In(time.UTC),
	}, nil
}

func fromSnapshots(snaps []*firestore.DocumentSnapshot) ([]Document, error) {
	out := make([]Document, 0, len(snaps))
	for _, s := range snaps {
		doc, err := fromSnapshot(s)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sortByID(out)
	return out, nil
}

var _ Store = (*Firestore)(nil)
