// Package reconcile diffs a student's live session feed against the sessions
// already seen and persists newly visible ones to the saved record in the
// background.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pemss/internal/metrics"
	"pemss/internal/model"
	"pemss/internal/watcher"
)

// LiveSource opens a live feed of the sessions visible in sections.
type LiveSource interface {
	Watch(ctx context.Context, identity model.Identity, sections []string) (*watcher.Subscription, error)
}

// Seeder loads a user's saved record to seed the previously-seen set.
type Seeder interface {
	Load(ctx context.Context, userID string) (model.SavedRecord, error)
}

// Options tune an Engine.
type Options struct {
	// SeedFromStore seeds each run from the saved record. When false every
	// run starts empty, so its first snapshot persists everything visible.
	SeedFromStore bool
	// PersistTimeout bounds one background persist. Defaults to 30s.
	PersistTimeout time.Duration
	// EventBuffer sizes each run's event channel. Defaults to 16.
	EventBuffer int
	Logger      *zap.Logger
	Metrics     metrics.Recorder
}

// Engine owns the active reconciliation runs, at most one per user and
// section set.
type Engine struct {
	source    LiveSource
	seeder    Seeder
	persister Persister
	opts      Options
	log       *zap.Logger
	metrics   metrics.Recorder

	mu   sync.Mutex
	runs map[string]*Run
}

// NewEngine wires an engine. seeder may be nil when SeedFromStore is false.
func NewEngine(source LiveSource, seeder Seeder, persister Persister, opts Options) *Engine {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 30 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Engine{
		source:    source,
		seeder:    seeder,
		persister: persister,
		opts:      opts,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		runs:      make(map[string]*Run),
	}
}

// Start begins reconciling the live feed for userID in sections. A run
// already active for the same user and sections is stopped and replaced.
// The run ends when ctx is cancelled, Stop is called, or the feed fails.
func (e *Engine) Start(ctx context.Context, userID string, identity model.Identity, sections []string) (*Run, error) {
	if userID == "" {
		return nil, model.NewValidationError("userId", "required")
	}
	sections = watcher.ParseSections(strings.Join(sections, ","))
	if len(sections) == 0 {
		return nil, model.NewValidationError("sections", "at least one section required")
	}
	key := runKey(userID, sections)

	e.mu.Lock()
	prev := e.runs[key]
	e.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	seen := e.seed(ctx, userID)

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := e.source.Watch(runCtx, identity, sections)
	if err != nil {
		cancel()
		return nil, err
	}

	r := &Run{
		engine:     e,
		key:        key,
		userID:     userID,
		sections:   sections,
		ctx:        runCtx,
		cancel:     cancel,
		sub:        sub,
		seen:       seen,
		events:     make(chan Event, e.opts.EventBuffer),
		results:    make(chan persistResult),
		done:       make(chan struct{}),
		state:      StateWatching,
		syncStatus: SyncIdle,
	}

	e.mu.Lock()
	if other := e.runs[key]; other != nil {
		// Lost a race with a concurrent Start for the same key.
		e.mu.Unlock()
		other.Stop()
		e.mu.Lock()
	}
	e.runs[key] = r
	e.mu.Unlock()

	e.metrics.RunStarted()
	e.log.Info("reconciliation started",
		zap.String("user_id", userID),
		zap.Strings("sections", sections),
		zap.Int("seeded", len(seen)))
	go r.loop()
	return r, nil
}

// seed returns the previously-seen set for a new run. A missing or
// unreadable saved record gives an empty set.
func (e *Engine) seed(ctx context.Context, userID string) map[string]struct{} {
	seen := make(map[string]struct{})
	if !e.opts.SeedFromStore || e.seeder == nil {
		return seen
	}
	rec, err := e.seeder.Load(ctx, userID)
	switch {
	case err == nil:
		for _, id := range rec.IDs() {
			seen[id] = struct{}{}
		}
	case errors.Is(err, model.ErrNotFound):
	default:
		e.log.Warn("could not seed from saved record, starting empty",
			zap.String("user_id", userID), zap.Error(err))
	}
	return seen
}

// Active reports how many runs are live.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// StopAll stops every active run.
func (e *Engine) StopAll() {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.Stop()
	}
}

func (e *Engine) release(r *Run) {
	e.mu.Lock()
	if e.runs[r.key] == r {
		delete(e.runs, r.key)
	}
	e.mu.Unlock()
	e.metrics.RunStopped()
}

func runKey(userID string, sections []string) string {
	sorted := append([]string(nil), sections...)
	sort.Strings(sorted)
	return userID + "|" + strings.Join(sorted, ",")
}

// Diff returns the ids in current that are not in prev, in current order.
// Ids that left the set are not reported.
func Diff(prev map[string]struct{}, current []string) []string {
	var out []string
	emitted := make(map[string]struct{}, len(current))
	for _, id := range current {
		if _, ok := prev[id]; ok {
			continue
		}
		if _, ok := emitted[id]; ok {
			continue
		}
		emitted[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
