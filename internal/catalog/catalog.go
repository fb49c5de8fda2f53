// Package catalog expands saved session references into full session documents.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pemss/internal/docstore"
	"pemss/internal/metrics"
	"pemss/internal/model"
)

// DefaultCollection is the attendance session collection.
const DefaultCollection = "attendanceSessions"

// ErrNoIDs is returned together with an unsuccessful Result for empty input.
var ErrNoIDs = errors.New("no ids")

// Ref is one reference to resolve. It decodes from a bare id string or an
// object carrying sessionId (or id) and an optional section.
type Ref struct {
	SessionID string `json:"sessionId"`
	Section   string `json:"section,omitempty"`
}

// UnmarshalJSON accepts both reference shapes.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = Ref{SessionID: id}
		return nil
	}
	var obj struct {
		SessionID string `json:"sessionId"`
		ID        string `json:"id"`
		Section   string `json:"section"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("session reference must be a string or object: %w", err)
	}
	r.SessionID = obj.SessionID
	if r.SessionID == "" {
		r.SessionID = obj.ID
	}
	r.Section = obj.Section
	return nil
}

// FromSaved converts stored references into resolvable refs.
func FromSaved(refs []model.SessionReference) []Ref {
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		out = append(out, Ref{SessionID: r.SessionID, Section: r.Section})
	}
	return out
}

// IDs wraps bare ids as refs.
func IDs(ids ...string) []Ref {
	out := make([]Ref, 0, len(ids))
	for _, id := range ids {
		out = append(out, Ref{SessionID: id})
	}
	return out
}

// Session is a resolved session annotated with the section it was saved under.
type Session struct {
	model.AttendanceSession
	SavedInSection string `json:"savedInSection"`
}

// Result is the outcome of Resolve. Success is false only for empty input.
type Result struct {
	Success  bool      `json:"success"`
	Sessions []Session `json:"sessions"`
	Err      string    `json:"error,omitempty"`
	// Missing lists ids whose document no longer exists.
	Missing []string `json:"-"`
	// Failed maps ids to fetch errors other than not-found.
	Failed map[string]error `json:"-"`
}

// Fetcher resolves references against the session collection.
type Fetcher struct {
	docs        docstore.Store
	collection  string
	concurrency int
	log         *zap.Logger
	metrics     metrics.Recorder
}

// NewFetcher creates a Fetcher. concurrency bounds in-flight document reads.
func NewFetcher(docs docstore.Store, collection string, concurrency int, log *zap.Logger, rec metrics.Recorder) *Fetcher {
	if collection == "" {
		collection = DefaultCollection
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Fetcher{docs: docs, collection: collection, concurrency: concurrency, log: log, metrics: rec}
}

// Resolve fetches every referenced session concurrently. Missing documents
// are dropped and one failed read does not stop the others. The result is
// ordered by effective date, newest first. Only when every id failed with a
// real read error is a *model.FetchError returned.
func (f *Fetcher) Resolve(ctx context.Context, refs []Ref) (Result, error) {
	refs = uniqueRefs(refs)
	if len(refs) == 0 {
		return Result{Success: false, Sessions: []Session{}, Err: ErrNoIDs.Error()}, ErrNoIDs
	}

	type outcome struct {
		session *Session
		missing bool
		err     error
	}
	outcomes := make([]outcome, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			// Per-id failures are recorded, never returned, so siblings keep running.
			s, err := f.fetch(gctx, ref)
			switch {
			case errors.Is(err, docstore.ErrNotFound):
				outcomes[i] = outcome{missing: true}
			case err != nil:
				outcomes[i] = outcome{err: err}
			default:
				outcomes[i] = outcome{session: s}
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Success: true, Sessions: make([]Session, 0, len(refs))}
	for i, o := range outcomes {
		switch {
		case o.session != nil:
			res.Sessions = append(res.Sessions, *o.session)
		case o.missing:
			res.Missing = append(res.Missing, refs[i].SessionID)
		case o.err != nil:
			if res.Failed == nil {
				res.Failed = make(map[string]error)
			}
			res.Failed[refs[i].SessionID] = o.err
		}
	}

	if len(res.Missing) > 0 {
		f.metrics.RecordCatalogMissing(len(res.Missing))
		f.log.Debug("saved sessions no longer exist", zap.Strings("session_ids", res.Missing))
	}
	if len(res.Failed) > 0 {
		f.log.Error("session fetch failed",
			zap.Int("failed", len(res.Failed)),
			zap.Int("requested", len(refs)))
	}
	if len(res.Failed) == len(refs) {
		return res, &model.FetchError{Op: "resolve sessions", Err: res.Failed[refs[0].SessionID]}
	}

	SortByDate(res.Sessions)
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, ref Ref) (*Session, error) {
	doc, err := f.docs.Get(ctx, f.collection, ref.SessionID)
	if err != nil {
		return nil, err
	}
	var s model.AttendanceSession
	if err := docstore.Decode(doc, &s); err != nil {
		return nil, err
	}
	s.ID = doc.ID
	saved := ref.Section
	if saved == "" {
		saved = s.Section
	}
	return &Session{AttendanceSession: s, SavedInSection: saved}, nil
}

// SortByDate orders sessions newest first; equal dates fall back to id.
func SortByDate(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		di, dj := sessions[i].EffectiveDate(), sessions[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// uniqueRefs drops empty and repeated ids. The first reference for an id wins.
func uniqueRefs(refs []Ref) []Ref {
	seen := make(map[string]struct{}, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if r.SessionID == "" {
			continue
		}
		if _, ok := seen[r.SessionID]; ok {
			continue
		}
		seen[r.SessionID] = struct{}{}
		out = append(out, r)
	}
	return out
}
