// Package watcher keeps a live view of the attendance sessions visible to one
// student, scoped to the student's sections.
package watcher

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pemss/internal/docstore"
	"pemss/internal/model"
)

const (
	dateLayout = "Jan 2, 2006"
	timeLayout = "3:04 PM"
)

// Session is a live session annotated for display.
type Session struct {
	model.AttendanceSession
	FormattedDate string `json:"formattedDate"`
	FormattedTime string `json:"formattedTime"`
	// StudentStatus is the current user's entry, nil when absent.
	StudentStatus *model.StudentEntry `json:"studentStatus"`
	MatchedBy     model.IdentityKind  `json:"matchedBy,omitempty"`
}

// Update is one delivery on a subscription: the full visible set, or a
// terminal error after which the channel closes.
type Update struct {
	Sessions []Session
	Err      error
}

// ParseSections splits a comma-separated section field, trimming blanks and
// dropping empties and repeats.
func ParseSections(raw string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Watcher opens live subscriptions on the session collection.
type Watcher struct {
	docs       docstore.Store
	collection string
	loc        *time.Location
	log        *zap.Logger
}

// New creates a Watcher. Dates are formatted in loc (UTC when nil).
func New(docs docstore.Store, collection string, loc *time.Location, log *zap.Logger) *Watcher {
	if collection == "" {
		collection = "attendanceSessions"
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{docs: docs, collection: collection, loc: loc, log: log}
}

// Watch subscribes to sessions whose section is one of sections. The
// subscription lives until Stop is called or ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, identity model.Identity, sections []string) (*Subscription, error) {
	sections = ParseSections(strings.Join(sections, ","))
	if len(sections) == 0 {
		return nil, model.NewValidationError("sections", "at least one section required")
	}

	ctx, cancel := context.WithCancel(ctx)
	snaps, err := w.docs.Watch(ctx, w.collection, docstore.In("section", sections))
	if err != nil {
		cancel()
		return nil, &model.FetchError{Op: "subscribe sessions", Err: err}
	}

	sub := &Subscription{
		updates: make(chan Update),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go w.run(ctx, sub, snaps, identity, sections)
	return sub, nil
}

func (w *Watcher) run(ctx context.Context, sub *Subscription, snaps <-chan docstore.Snapshot, identity model.Identity, sections []string) {
	defer close(sub.done)
	defer close(sub.updates)
	defer sub.cancel()

	for snap := range snaps {
		var u Update
		if snap.Err != nil {
			w.log.Error("live session subscription failed",
				zap.Strings("sections", sections), zap.Error(snap.Err))
			u.Err = &model.FetchError{Op: "watch sessions", Err: snap.Err}
		} else {
			u.Sessions = w.annotate(snap.Docs, identity)
		}
		select {
		case sub.updates <- u:
		case <-ctx.Done():
			return
		}
		if u.Err != nil {
			return
		}
	}
}

func (w *Watcher) annotate(docs []docstore.Document, identity model.Identity) []Session {
	out := make([]Session, 0, len(docs))
	for _, doc := range docs {
		var s model.AttendanceSession
		if err := docstore.Decode(doc, &s); err != nil {
			w.log.Warn("skipping undecodable session", zap.String("session_id", doc.ID), zap.Error(err))
			continue
		}
		s.ID = doc.ID
		out = append(out, Annotate(s, identity, w.loc))
	}
	SortByDate(out)
	return out
}

// Annotate derives the display fields of s for identity.
func Annotate(s model.AttendanceSession, identity model.Identity, loc *time.Location) Session {
	out := Session{AttendanceSession: s}
	if d := s.EffectiveDate(); !d.IsZero() {
		d = d.In(loc)
		out.FormattedDate = d.Format(dateLayout)
		out.FormattedTime = d.Format(timeLayout)
	} else {
		out.FormattedDate = s.Date
	}
	if entry, kind, ok := model.FindStudent(s.Students, identity); ok {
		out.StudentStatus = entry
		out.MatchedBy = kind
	}
	return out
}

// SortByDate orders sessions newest first, ties by id.
func SortByDate(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		di, dj := sessions[i].EffectiveDate(), sessions[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

// Subscription is a live feed of Updates.
type Subscription struct {
	updates chan Update
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
}

// Updates delivers snapshots in order. It is closed when the subscription ends.
func (s *Subscription) Updates() <-chan Update { return s.updates }

// Done is closed once the subscription has released its resources.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Stop tears the subscription down and waits for it to finish. Calling it
// again, or after the feed already ended, does nothing.
func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}
