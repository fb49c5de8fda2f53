// Package history builds a student's past-attendance view from the saved
// record and the session catalog.
package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pemss/internal/catalog"
	"pemss/internal/model"
	"pemss/internal/watcher"
)

// RecordLoader reads a user's saved record.
type RecordLoader interface {
	Load(ctx context.Context, userID string) (model.SavedRecord, error)
}

// Resolver expands session references into session documents.
type Resolver interface {
	Resolve(ctx context.Context, refs []catalog.Ref) (catalog.Result, error)
}

// Entry is one past session with the student's resolved status.
type Entry struct {
	watcher.Session
	SavedInSection string                 `json:"savedInSection"`
	Status         model.AttendanceStatus `json:"studentAttendanceStatus"`
}

// Query narrows a history list. Zero values match everything.
type Query struct {
	Search  string `form:"q"`
	Section string `form:"section"`
}

type Service struct {
	records  RecordLoader
	resolver Resolver
	loc      *time.Location
	log      *zap.Logger
}

func NewService(records RecordLoader, resolver Resolver, loc *time.Location, log *zap.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{records: records, resolver: resolver, loc: loc, log: log}
}

// Load returns the user's saved sessions, newest first. A user with no saved
// record, or a record with no references, gets model.ErrNotFound.
func (s *Service) Load(ctx context.Context, userID string, identity model.Identity) ([]Entry, error) {
	if userID == "" {
		return nil, model.NewValidationError("userId", "required")
	}
	rec, err := s.records.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(rec.Records) == 0 {
		return nil, model.ErrNotFound
	}

	res, err := s.resolver.Resolve(ctx, catalog.FromSaved(rec.Records))
	if err != nil {
		if errors.Is(err, catalog.ErrNoIDs) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	if len(res.Missing) > 0 {
		s.log.Debug("saved sessions no longer exist",
			zap.String("user_id", userID), zap.Strings("session_ids", res.Missing))
	}

	entries := make([]Entry, 0, len(res.Sessions))
	for _, cs := range res.Sessions {
		entries = append(entries, Entry{
			Session:        watcher.Annotate(cs.AttendanceSession, identity, s.loc),
			SavedInSection: cs.SavedInSection,
			Status:         model.ResolveStatus(cs.AttendanceSession, identity),
		})
	}
	return entries, nil
}

// Filter applies q to entries without modifying them. Search matches course
// or section case-insensitively; Section must match the saved or session
// section exactly.
func Filter(entries []Entry, q Query) []Entry {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	section := strings.TrimSpace(q.Section)

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if section != "" && e.Section != section && e.SavedInSection != section {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(e.Course), search) &&
			!strings.Contains(strings.ToLower(e.Section), search) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Sections lists the distinct sections present in entries, sorted.
func Sections(entries []Entry) []string {
	set := make(map[string]struct{})
	for _, e := range entries {
		if e.Section != "" {
			set[e.Section] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sec := range set {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}
