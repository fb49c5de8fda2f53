package reconcile

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pemss/internal/watcher"
)

// State is where a run is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateDiffing
	StatePersisting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateDiffing:
		return "diffing"
	case StatePersisting:
		return "persisting"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SyncStatus tracks background persistence, separate from what is shown.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// EventKind distinguishes run events.
type EventKind string

const (
	// EventSnapshot carries the sessions of one live snapshot.
	EventSnapshot EventKind = "snapshot"
	// EventSync reports a finished background persist.
	EventSync EventKind = "sync"
	// EventError reports a live feed failure. The run stops after it.
	EventError EventKind = "error"
)

// Event is delivered on Run.Events.
type Event struct {
	Kind     EventKind
	Sessions []watcher.Session
	// NewIDs are the sessions first seen in this snapshot.
	NewIDs []string
	Sync   SyncStatus
	Err    error
}

type persistResult struct {
	ids []string
	err error
}

// Run is one active reconciliation. Its previously-seen set is only touched
// by the run goroutine.
type Run struct {
	engine   *Engine
	key      string
	userID   string
	sections []string

	ctx    context.Context
	cancel context.CancelFunc
	sub    *watcher.Subscription

	seen    map[string]struct{}
	pending int
	// failErr is the first persist error since the last sync event.
	failErr error

	events  chan Event
	results chan persistResult
	done    chan struct{}
	once    sync.Once

	mu         sync.Mutex
	state      State
	syncStatus SyncStatus
}

// Events delivers snapshot, sync and error events in order. Consumers must
// drain it; it is closed when the run stops.
func (r *Run) Events() <-chan Event { return r.events }

// Done is closed when the run has stopped.
func (r *Run) Done() <-chan struct{} { return r.done }

// Sections returns the sections the run watches.
func (r *Run) Sections() []string { return append([]string(nil), r.sections...) }

// State reports the run's lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SyncStatus reports the background persistence status.
func (r *Run) SyncStatus() SyncStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncStatus
}

// Stop ends the run and releases its live subscription. It is safe to call
// more than once and after the run already ended.
func (r *Run) Stop() {
	r.once.Do(r.cancel)
	<-r.done
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) setSync(s SyncStatus) {
	r.mu.Lock()
	r.syncStatus = s
	r.mu.Unlock()
}

func (r *Run) loop() {
	log := r.engine.log.With(zap.String("user_id", r.userID), zap.Strings("sections", r.sections))
	defer func() {
		r.sub.Stop()
		r.cancel()
		r.setState(StateStopped)
		r.engine.release(r)
		close(r.events)
		close(r.done)
		log.Info("reconciliation stopped")
	}()

	updates := r.sub.Updates()
	for {
		select {
		case <-r.ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Err != nil {
				r.emit(Event{Kind: EventError, Err: u.Err, Sync: r.SyncStatus()})
				return
			}
			r.handleSnapshot(log, u.Sessions)
		case res := <-r.results:
			r.handleResult(log, res)
		}
	}
}

func (r *Run) handleSnapshot(log *zap.Logger, sessions []watcher.Session) {
	r.setState(StateDiffing)
	r.engine.metrics.RecordSnapshot()

	current := make([]string, 0, len(sessions))
	for _, s := range sessions {
		current = append(current, s.ID)
	}
	newIDs := Diff(r.seen, current)

	// Full replacement: sessions that left the feed are forgotten.
	r.seen = make(map[string]struct{}, len(current))
	for _, id := range current {
		r.seen[id] = struct{}{}
	}

	if len(newIDs) > 0 {
		r.engine.metrics.RecordNewSessions(len(newIDs))
		r.pending++
		r.setSync(SyncPending)
		r.setState(StatePersisting)
		go r.persist(log, groupBySection(sessions, newIDs, r.sections[0]))
	} else if r.pending == 0 {
		r.setState(StateWatching)
	}

	r.emit(Event{Kind: EventSnapshot, Sessions: sessions, NewIDs: newIDs, Sync: r.SyncStatus()})
}

func (r *Run) handleResult(log *zap.Logger, res persistResult) {
	r.pending--
	if res.err != nil {
		if r.failErr == nil {
			r.failErr = res.err
		}
		r.engine.metrics.RecordPersistFailure()
		log.Warn("saved record persist failed; sessions stay marked as seen",
			zap.Strings("session_ids", res.ids), zap.Error(res.err))
	}
	if r.pending > 0 {
		return
	}
	status, err := SyncSynced, r.failErr
	if err != nil {
		status = SyncFailed
	}
	r.failErr = nil
	r.setSync(status)
	r.setState(StateWatching)
	r.emit(Event{Kind: EventSync, Sync: status, Err: err})
}

// persist runs in the background. It keeps going after the run stops; only
// the result is discarded.
func (r *Run) persist(log *zap.Logger, groups []sectionGroup) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.engine.opts.PersistTimeout)
	defer cancel()

	var (
		ids      []string
		firstErr error
	)
	for _, g := range groups {
		ids = append(ids, g.ids...)
		if err := r.engine.persister.Persist(ctx, r.userID, g.ids, g.section); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		log.Debug("new sessions persisted", zap.Strings("session_ids", ids))
	}
	select {
	case r.results <- persistResult{ids: ids, err: firstErr}:
	case <-r.done:
	}
}

func (r *Run) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

type sectionGroup struct {
	section string
	ids     []string
}

// groupBySection buckets new ids by each session's own section, keeping
// first-seen order. Sessions without a section use fallback.
func groupBySection(sessions []watcher.Session, ids []string, fallback string) []sectionGroup {
	sectionOf := make(map[string]string, len(sessions))
	for _, s := range sessions {
		sectionOf[s.ID] = s.Section
	}
	var groups []sectionGroup
	index := map[string]int{}
	for _, id := range ids {
		sec := sectionOf[id]
		if sec == "" {
			sec = fallback
		}
		i, ok := index[sec]
		if !ok {
			i = len(groups)
			index[sec] = i
			groups = append(groups, sectionGroup{section: sec})
		}
		groups[i].ids = append(groups[i].ids, id)
	}
	return groups
}
