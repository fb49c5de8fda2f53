package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"pemss/internal/docstore"
	"pemss/internal/model"
)

func TestParseSections(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"CS101", []string{"CS101"}},
		{"CS101, CS102", []string{"CS101", "CS102"}},
		{" CS101 ,,CS102,CS101 ", []string{"CS101", "CS102"}},
		{"", nil},
		{" , ", nil},
	}
	for _, tt := range tests {
		got := ParseSections(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ParseSections(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseSections(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestAnnotate(t *testing.T) {
	at := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	s := model.AttendanceSession{
		ID:         "s1",
		DateObject: &at,
		Students: []model.StudentEntry{
			{Email: "ana@school.edu", IsPresent: false},
			{UserUID: "uid-1", IsPresent: true},
		},
	}
	got := Annotate(s, model.Identity{UID: "uid-1", Email: "ANA@school.edu"}, time.UTC)
	if got.FormattedDate != "Mar 5, 2024" || got.FormattedTime != "2:30 PM" {
		t.Errorf("formatted = %q %q", got.FormattedDate, got.FormattedTime)
	}
	if got.StudentStatus == nil || !got.StudentStatus.IsPresent || got.MatchedBy != model.KindUID {
		t.Errorf("status = %+v by %s, want uid match", got.StudentStatus, got.MatchedBy)
	}

	none := Annotate(model.AttendanceSession{ID: "s2", Date: "someday"}, model.Identity{UID: "x"}, time.UTC)
	if none.StudentStatus != nil {
		t.Errorf("unexpected status %+v", none.StudentStatus)
	}
	if none.FormattedDate != "someday" || none.FormattedTime != "" {
		t.Errorf("unparseable date formatted as %q %q", none.FormattedDate, none.FormattedTime)
	}
}

func recv(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("updates closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestWatch_CommaSeparatedSectionsAndOrdering(t *testing.T) {
	mem := docstore.NewMemory()
	ctx := context.Background()
	_ = mem.Set(ctx, "attendanceSessions", "a", map[string]any{"section": "CS101", "date": "2024-01-01"})
	_ = mem.Set(ctx, "attendanceSessions", "b", map[string]any{"section": "CS102", "date": "2024-02-01"})
	_ = mem.Set(ctx, "attendanceSessions", "c", map[string]any{"section": "CS101, CS102", "date": "2024-03-01"})
	_ = mem.Set(ctx, "attendanceSessions", "d", map[string]any{"section": "MA201", "date": "2024-04-01"})

	w := New(mem, "", nil, nil)
	sub, err := w.Watch(ctx, model.Identity{UID: "u"}, []string{"CS101, CS102"})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer sub.Stop()

	u := recv(t, sub)
	if u.Err != nil {
		t.Fatalf("update err: %v", u.Err)
	}
	if len(u.Sessions) != 2 || u.Sessions[0].ID != "b" || u.Sessions[1].ID != "a" {
		ids := []string{}
		for _, s := range u.Sessions {
			ids = append(ids, s.ID)
		}
		t.Fatalf("ids = %v, want [b a]", ids)
	}

	_ = mem.Set(ctx, "attendanceSessions", "e", map[string]any{"section": "CS101", "date": "2024-05-01"})
	u = recv(t, sub)
	if len(u.Sessions) != 3 || u.Sessions[0].ID != "e" {
		t.Fatalf("after insert: %+v", u.Sessions)
	}
}

func TestWatch_RequiresSection(t *testing.T) {
	w := New(docstore.NewMemory(), "", nil, nil)
	if _, err := w.Watch(context.Background(), model.Identity{}, []string{" , "}); !model.IsValidation(err) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestSubscription_StopIsIdempotent(t *testing.T) {
	w := New(docstore.NewMemory(), "", nil, nil)
	sub, err := w.Watch(context.Background(), model.Identity{}, []string{"S"})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	recv(t, sub)
	sub.Stop()
	sub.Stop()
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if _, ok := <-sub.Updates(); ok {
		t.Fatal("updates still open after Stop")
	}
}

type brokenStore struct {
	*docstore.Memory
	err error
}

func (b brokenStore) Watch(ctx context.Context, collection string, filters ...docstore.Filter) (<-chan docstore.Snapshot, error) {
	ch := make(chan docstore.Snapshot, 1)
	ch <- docstore.Snapshot{Err: b.err}
	close(ch)
	return ch, nil
}

func TestWatch_FailureSurfacesErrorAndEnds(t *testing.T) {
	boom := errors.New("permission denied")
	w := New(brokenStore{Memory: docstore.NewMemory(), err: boom}, "", nil, nil)
	sub, err := w.Watch(context.Background(), model.Identity{}, []string{"S"})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	u := recv(t, sub)
	if !model.IsFetch(u.Err) || !errors.Is(u.Err, boom) {
		t.Fatalf("err = %v, want FetchError", u.Err)
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end after failure")
	}
	sub.Stop()
}
