// Package records persists each user's saved attendance record: the
// append-only list of sessions the student has already encountered.
package records

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pemss/internal/docstore"
	"pemss/internal/metrics"
	"pemss/internal/model"
)

// DefaultCollection is the document collection holding saved records.
const DefaultCollection = "studentAttendanceRecords"

// MergeResult reports what a Merge call did.
type MergeResult struct {
	// Added lists the ids appended by this call, in input order.
	Added []string
	// Written is false when every id was already saved and nothing was stored.
	Written bool
}

// Options tune a Store. Zero values pick the defaults.
type Options struct {
	Collection  string
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     metrics.Recorder
	Now         func() time.Time
}

// Store reads and merges saved records in a document store.
type Store struct {
	docs        docstore.Store
	collection  string
	maxAttempts int
	log         *zap.Logger
	metrics     metrics.Recorder
	now         func() time.Time
}

// NewStore creates a Store over docs.
func NewStore(docs docstore.Store, opts Options) *Store {
	s := &Store{
		docs:        docs,
		collection:  opts.Collection,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if s.collection == "" {
		s.collection = DefaultCollection
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Load returns the user's saved record in its canonical shape. A user with
// no record yet yields model.ErrNotFound.
func (s *Store) Load(ctx context.Context, userID string) (model.SavedRecord, error) {
	if userID == "" {
		return model.SavedRecord{}, model.NewValidationError("userId", "required")
	}
	rec, err := s.load(ctx, userID)
	if err != nil {
		return model.SavedRecord{}, err
	}
	if rec.Version == 0 {
		return model.SavedRecord{}, model.ErrNotFound
	}
	return rec, nil
}

// load returns an empty record with Version 0 when the document is absent.
func (s *Store) load(ctx context.Context, userID string) (model.SavedRecord, error) {
	doc, err := s.docs.Get(ctx, s.collection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return model.SavedRecord{UserID: userID}, nil
	}
	if err != nil {
		return model.SavedRecord{}, &model.FetchError{Op: "load saved record", Err: err}
	}
	var w wireRecord
	if err := docstore.Decode(doc, &w); err != nil {
		return model.SavedRecord{}, &model.FetchError{Op: "decode saved record", Err: err}
	}
	rec := upgrade(w)
	rec.UserID = userID
	rec.Version = doc.Version
	return rec, nil
}

// Merge appends references for the ids not already saved, tagged with
// section. It never removes entries. A call whose ids are all saved
// succeeds without writing. Concurrent writers are resolved by reloading
// and recomputing on a version conflict.
func (s *Store) Merge(ctx context.Context, userID string, sessionIDs []string, section string) (MergeResult, error) {
	if err := validateMerge(userID, sessionIDs, section); err != nil {
		return MergeResult{}, err
	}
	ids := dedupe(sessionIDs)
	if len(ids) == 0 {
		return MergeResult{}, nil
	}

	for attempt := 1; ; attempt++ {
		rec, err := s.load(ctx, userID)
		if err != nil {
			return MergeResult{}, &model.PersistError{UserID: userID, Err: err}
		}

		toAdd := make([]string, 0, len(ids))
		for _, id := range ids {
			if !rec.Contains(id) {
				toAdd = append(toAdd, id)
			}
		}
		if len(toAdd) == 0 {
			return MergeResult{}, nil
		}

		now := s.now().UTC()
		for _, id := range toAdd {
			rec.Records = append(rec.Records, model.SessionReference{SessionID: id, Section: section, AddedAt: now})
		}
		rec.LegacyIDs = rec.IDs()

		err = s.docs.CompareAndSet(ctx, s.collection, userID, toWire(rec), rec.Version)
		if err == nil {
			s.metrics.RecordMergeWritten(len(toAdd))
			s.log.Debug("saved record merged",
				zap.String("user_id", userID),
				zap.String("section", section),
				zap.Int("added", len(toAdd)),
				zap.Int("total", len(rec.Records)))
			return MergeResult{Added: toAdd, Written: true}, nil
		}
		if errors.Is(err, docstore.ErrConflict) && attempt < s.maxAttempts {
			s.metrics.RecordMergeConflict()
			s.log.Debug("saved record changed concurrently, retrying",
				zap.String("user_id", userID), zap.Int("attempt", attempt))
			continue
		}
		return MergeResult{}, &model.PersistError{UserID: userID, Err: err}
	}
}

func validateMerge(userID string, sessionIDs []string, section string) error {
	if userID == "" {
		return model.NewValidationError("userId", "required")
	}
	if section == "" {
		return model.NewValidationError("section", "required")
	}
	if sessionIDs == nil {
		return model.NewValidationError("sessionIds", "must be a list")
	}
	for _, id := range sessionIDs {
		if id == "" {
			return model.NewValidationError("sessionIds", "contains an empty id")
		}
	}
	return nil
}

// dedupe drops repeated ids, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
