package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pemss/internal/docstore"
	"pemss/internal/model"
)

// DefaultCollection holds the session documents.
const DefaultCollection = "attendanceSessions"

// Repository persists attendance sessions in the document store.
type Repository struct {
	docs       docstore.Store
	collection string
}

// NewRepository creates a repo.
func NewRepository(docs docstore.Store, collection string) *Repository {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Repository{docs: docs, collection: collection}
}

// Get returns a session and the version it was read at.
func (r *Repository) Get(ctx context.Context, id string) (model.AttendanceSession, int64, error) {
	doc, err := r.docs.Get(ctx, r.collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return model.AttendanceSession{}, 0, model.ErrNotFound
		}
		return model.AttendanceSession{}, 0, &model.FetchError{Op: "get session " + id, Err: err}
	}
	var s model.AttendanceSession
	if err := docstore.Decode(doc, &s); err != nil {
		return model.AttendanceSession{}, 0, &model.FetchError{Op: "decode session " + id, Err: err}
	}
	s.ID = doc.ID
	return s, doc.Version, nil
}

// Insert writes a new session. It fails with docstore.ErrConflict when the
// id is already taken.
func (r *Repository) Insert(ctx context.Context, s model.AttendanceSession) error {
	return r.write(ctx, s, 0)
}

// Replace overwrites s if the stored version still equals version.
func (r *Repository) Replace(ctx context.Context, s model.AttendanceSession, version int64) error {
	return r.write(ctx, s, version)
}

func (r *Repository) write(ctx context.Context, s model.AttendanceSession, version int64) error {
	if s.Students == nil {
		s.Students = []model.StudentEntry{}
	}
	data, err := docstore.Encode(s)
	if err != nil {
		return err
	}
	if err := r.docs.CompareAndSet(ctx, r.collection, s.ID, data, version); err != nil {
		if errors.Is(err, docstore.ErrConflict) {
			return err
		}
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	return nil
}

// SetActive flips the active flag with a partial update.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	err := r.docs.Update(ctx, r.collection, id, map[string]any{"active": active})
	if errors.Is(err, docstore.ErrNotFound) {
		return model.ErrNotFound
	}
	return err
}

// Delete removes a session. Deleting a missing session is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.docs.Delete(ctx, r.collection, id)
}

// ListBySection returns the sessions of one section, newest first.
func (r *Repository) ListBySection(ctx context.Context, section string) ([]model.AttendanceSession, error) {
	section = strings.TrimSpace(section)
	if section == "" {
		return nil, model.NewValidationError("section", "required")
	}
	docs, err := r.docs.Query(ctx, r.collection, docstore.Eq("section", section))
	if err != nil {
		return nil, &model.FetchError{Op: "list sessions", Err: err}
	}
	out := make([]model.AttendanceSession, 0, len(docs))
	for _, doc := range docs {
		var s model.AttendanceSession
		if err := docstore.Decode(doc, &s); err != nil {
			continue
		}
		s.ID = doc.ID
		out = append(out, s)
	}
	sortNewestFirst(out)
	return out, nil
}
