package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pemss/internal/docstore"
	"pemss/internal/model"
	"pemss/internal/queue"
	"pemss/internal/records"
	"pemss/internal/watcher"
)

const sessions = "attendanceSessions"

type call struct {
	userID  string
	ids     []string
	section string
}

// spyPersister records calls and delegates to next when set.
type spyPersister struct {
	mu    sync.Mutex
	calls []call
	next  Persister
	err   error
}

func (s *spyPersister) Persist(ctx context.Context, userID string, ids []string, section string) error {
	s.mu.Lock()
	s.calls = append(s.calls, call{userID, append([]string(nil), ids...), section})
	s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.next != nil {
		return s.next.Persist(ctx, userID, ids, section)
	}
	return nil
}

func (s *spyPersister) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

type fixture struct {
	mem     *docstore.Memory
	records *records.Store
	spy     *spyPersister
	engine  *Engine
}

func newFixture(t *testing.T, seed bool) *fixture {
	t.Helper()
	mem := docstore.NewMemory()
	rs := records.NewStore(mem, records.Options{})
	spy := &spyPersister{next: StorePersister{Store: rs}}
	eng := NewEngine(watcher.New(mem, sessions, nil, nil), rs, spy, Options{SeedFromStore: seed})
	t.Cleanup(eng.StopAll)
	return &fixture{mem: mem, records: rs, spy: spy, engine: eng}
}

func (f *fixture) addSession(t *testing.T, id, section, date string) {
	t.Helper()
	err := f.mem.Set(context.Background(), sessions, id, map[string]any{"section": section, "date": date})
	if err != nil {
		t.Fatalf("add session %s: %v", id, err)
	}
}

func next(t *testing.T, r *Run) Event {
	t.Helper()
	select {
	case ev, ok := <-r.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDiff(t *testing.T) {
	prev := map[string]struct{}{"A": {}, "B": {}}
	got := Diff(prev, []string{"B", "C"})
	if !equal(got, []string{"C"}) {
		t.Fatalf("Diff = %v, want [C]", got)
	}
	if got := Diff(nil, []string{"X", "Y", "X"}); !equal(got, []string{"X", "Y"}) {
		t.Fatalf("Diff from empty = %v", got)
	}
	if got := Diff(prev, []string{"A"}); len(got) != 0 {
		t.Fatalf("Diff = %v, want none", got)
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	f := newFixture(t, true)
	f.addSession(t, "S1", "CS101", "2024-09-01")
	f.addSession(t, "S2", "CS101", "2024-09-02")

	run, err := f.engine.Start(context.Background(), "u1", model.Identity{UID: "u1"}, []string{"CS101"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ev := next(t, run)
	if ev.Kind != EventSnapshot || len(ev.Sessions) != 2 {
		t.Fatalf("first event = %+v", ev)
	}
	if !equal(sorted(ev.NewIDs), []string{"S1", "S2"}) {
		t.Fatalf("NewIDs = %v", ev.NewIDs)
	}
	if ev := next(t, run); ev.Kind != EventSync || ev.Sync != SyncSynced {
		t.Fatalf("sync event = %+v", ev)
	}
	rec, err := f.records.Load(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !equal(sorted(rec.IDs()), []string{"S1", "S2"}) {
		t.Fatalf("saved = %v", rec.IDs())
	}

	f.addSession(t, "S3", "CS101", "2024-09-03")
	ev = next(t, run)
	if ev.Kind != EventSnapshot || !equal(ev.NewIDs, []string{"S3"}) {
		t.Fatalf("second snapshot = %+v", ev)
	}
	next(t, run)

	calls := f.spy.Calls()
	if len(calls) != 2 || !equal(calls[1].ids, []string{"S3"}) || calls[1].section != "CS101" {
		t.Fatalf("persist calls = %+v", calls)
	}
	if run.State() != StateWatching || run.SyncStatus() != SyncSynced {
		t.Errorf("state=%s sync=%s", run.State(), run.SyncStatus())
	}
}

func TestEngine_SeedFromStoreSkipsSavedSessions(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.records.Merge(context.Background(), "u1", []string{"S1"}, "CS101"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	f.addSession(t, "S1", "CS101", "2024-09-01")
	f.addSession(t, "S2", "CS101", "2024-09-02")

	run, err := f.engine.Start(context.Background(), "u1", model.Identity{UID: "u1"}, []string{"CS101"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := next(t, run); !equal(ev.NewIDs, []string{"S2"}) {
		t.Fatalf("NewIDs = %v, want [S2]", ev.NewIDs)
	}
}

func TestEngine_UnseededRunSweepsEverything(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.records.Merge(context.Background(), "u1", []string{"S1"}, "CS101"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	f.addSession(t, "S1", "CS101", "2024-09-01")

	run, err := f.engine.Start(context.Background(), "u1", model.Identity{UID: "u1"}, []string{"CS101"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := next(t, run); !equal(ev.NewIDs, []string{"S1"}) {
		t.Fatalf("NewIDs = %v, want [S1]", ev.NewIDs)
	}
	// The sweep is harmless: the merge finds S1 already saved.
	if ev := next(t, run); ev.Sync != SyncSynced {
		t.Fatalf("sync = %s", ev.Sync)
	}
}

func TestEngine_FailedPersistIsNotRetried(t *testing.T) {
	f := newFixture(t, true)
	f.spy.err = errors.New("store unavailable")
	f.addSession(t, "S1", "CS101", "2024-09-01")

	run, err := f.engine.Start(context.Background(), "u1", model.Identity{UID: "u1"}, []string{"CS101"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ev := next(t, run); ev.Kind != EventSnapshot || len(ev.Sessions) != 1 {
		t.Fatalf("snapshot = %+v", ev)
	}
	ev := next(t, run)
	if ev.Kind != EventSync || ev.Sync != SyncFailed || ev.Err == nil {
		t.Fatalf("sync event = %+v", ev)
	}

	// Touch S1 so a new snapshot arrives with the same id set.
	f.addSession(t, "S1", "CS101", "2024-09-05")
	if ev := next(t, run); ev.Kind != EventSnapshot || len(ev.NewIDs) != 0 {
		t.Fatalf("second snapshot = %+v", ev)
	}
	if n := len(f.spy.Calls()); n != 1 {
		t.Fatalf("persist calls = %d, want 1", n)
	}
}

// gatedPersister holds each persist until its session's gate is closed.
type gatedPersister struct {
	gates map[string]chan struct{}
	errs  map[string]error
}

func (g gatedPersister) Persist(ctx context.Context, _ string, ids []string, _ string) error {
	select {
	case <-g.gates[ids[0]]:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.errs[ids[0]]
}

func TestEngine_OverlappingPersistsReportFirstError(t *testing.T) {
	mem := docstore.NewMemory()
	failure := errors.New("store unavailable")
	p := gatedPersister{
		gates: map[string]chan struct{}{"S1": make(chan struct{}), "S2": make(chan struct{})},
		errs:  map[string]error{"S1": failure},
	}
	eng := NewEngine(watcher.New(mem, sessions, nil, nil), nil, p, Options{})
	t.Cleanup(eng.StopAll)
	f := &fixture{mem: mem}

	f.addSession(t, "S1", "CS101", "2024-09-01")
	run, err := eng.Start(context.Background(), "u1", model.Identity{UID: "u1"}, []string{"CS101"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, run)
	f.addSession(t, "S2", "CS101", "2024-09-02")
	if ev := next(t, run); ev.Kind != EventSnapshot || !equal(ev.NewIDs, []string{"S2"}) {
		t.Fatalf("second snapshot = %+v", ev)
	}

	// S1 fails first; S2 succeeds last.
	close(p.gates["S1"])
	time.Sleep(50 * time.Millisecond)
	close(p.gates["S2"])
	ev := next(t, run)
	if ev.Kind != EventSync || ev.Sync != SyncFailed || !errors.Is(ev.Err, failure) {
		t.Fatalf("sync event = %+v", ev)
	}
	if run.SyncStatus() != SyncFailed {
		t.Errorf("sync = %s", run.SyncStatus())
	}
}

func TestEngine_MultiSectionGroupsBySessionSection(t *testing.T) {
	f := newFixture(t, true)
	f.addSession(t, "A", "CS101", "2024-09-01")
	f.addSession(t, "B", "CS102", "2024-09-02")

	run, err := f.engine.Start(context.Background(), "u1", model.Identity{UID: "u1"}, []string{"CS101, CS102"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	next(t, run)
	next(t, run)

	got := map[string]string{}
	for _, c := range f.spy.Calls() {
		for _, id := range c.ids {
			got[id] = c.section
		}
	}
	if got["A"] != "CS101" || got["B"] != "CS102" {
		t.Fatalf("sections = %v", got)
	}
}

func TestEngine_StartReplacesExistingRun(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	first, err := f.engine.Start(ctx, "u1", model.Identity{UID: "u1"}, []string{"CS101"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := f.engine.Start(ctx, "u1", model.Identity{UID: "u1"}, []string{" CS101 "})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first run not stopped")
	}
	if first.State() != StateStopped {
		t.Errorf("first state = %s", first.State())
	}
	if n := f.engine.Active(); n != 1 {
		t.Errorf("Active = %d, want 1", n)
	}
	second.Stop()
	second.Stop()
	if n := f.engine.Active(); n != 0 {
		t.Errorf("Active after stop = %d, want 0", n)
	}
}

func TestEngine_StartValidation(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.engine.Start(context.Background(), "", model.Identity{}, []string{"S"}); !model.IsValidation(err) {
		t.Errorf("empty user err = %v", err)
	}
	if _, err := f.engine.Start(context.Background(), "u", model.Identity{}, nil); !model.IsValidation(err) {
		t.Errorf("no sections err = %v", err)
	}
}

type failingFeed struct{ *docstore.Memory }

func (failingFeed) Watch(ctx context.Context, collection string, filters ...docstore.Filter) (<-chan docstore.Snapshot, error) {
	ch := make(chan docstore.Snapshot, 1)
	ch <- docstore.Snapshot{Err: errors.New("listener revoked")}
	close(ch)
	return ch, nil
}

func TestEngine_FeedFailureStopsRun(t *testing.T) {
	eng := NewEngine(watcher.New(failingFeed{docstore.NewMemory()}, sessions, nil, nil), nil, &spyPersister{}, Options{})
	run, err := eng.Start(context.Background(), "u1", model.Identity{}, []string{"S"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ev := next(t, run)
	if ev.Kind != EventError || !model.IsFetch(ev.Err) {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run did not stop after feed failure")
	}
	if _, ok := <-run.Events(); ok {
		t.Fatal("events not closed")
	}
	run.Stop()
}

func TestQueuePersister_PublishesMergeJob(t *testing.T) {
	q := queue.NewInMemory(1)
	at := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	p := QueuePersister{Queue: q, Now: func() time.Time { return at }}
	if err := p.Persist(context.Background(), "u1", []string{"S1"}, "CS101"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := q.Consume(ctx)
	msg := <-ch
	job, err := queue.MergeJobFrom(msg)
	if err != nil {
		t.Fatalf("MergeJobFrom: %v", err)
	}
	if job.UserID != "u1" || job.Section != "CS101" || !job.DetectedAt.Equal(at) || !equal(job.SessionIDs, []string{"S1"}) {
		t.Fatalf("job = %+v", job)
	}
}
