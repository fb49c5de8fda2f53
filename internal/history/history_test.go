package history

import (
	"context"
	"errors"
	"testing"

	"pemss/internal/catalog"
	"pemss/internal/docstore"
	"pemss/internal/model"
	"pemss/internal/records"
)

func seed(t *testing.T) (*docstore.Memory, *Service) {
	t.Helper()
	ctx := context.Background()
	mem := docstore.NewMemory()
	sessions := map[string]map[string]any{
		"S1": {"section": "CS101", "course": "Data Structures", "date": "2024-09-01",
			"students": []any{map[string]any{"userUID": "u1", "isPresent": true}}},
		"S2": {"section": "CS101", "course": "Data Structures", "date": "2024-09-08",
			"students": []any{map[string]any{"email": "someone@else.edu", "isPresent": true}}},
		"S3": {"section": "MA201", "course": "Linear Algebra", "date": "2024-09-03",
			"students": []any{map[string]any{"email": "U1@school.edu", "isPresent": true}}},
	}
	for id, data := range sessions {
		if err := mem.Set(ctx, catalog.DefaultCollection, id, data); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}
	rs := records.NewStore(mem, records.Options{})
	svc := NewService(rs, catalog.NewFetcher(mem, "", 2, nil, nil), nil, nil)
	return mem, svc
}

func TestLoad_NoSavedRecord(t *testing.T) {
	_, svc := seed(t)
	_, err := svc.Load(context.Background(), "nobody", model.Identity{UID: "nobody"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoad_ResolvesStatusNewestFirst(t *testing.T) {
	mem, svc := seed(t)
	rs := records.NewStore(mem, records.Options{})
	ctx := context.Background()
	if _, err := rs.Merge(ctx, "u1", []string{"S1", "S2", "GONE"}, "CS101"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := rs.Merge(ctx, "u1", []string{"S3"}, "MA201"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	entries, err := svc.Load(ctx, "u1", model.Identity{UID: "u1", Email: "u1@school.edu"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3 (missing doc dropped)", len(entries))
	}
	wantOrder := []string{"S2", "S3", "S1"}
	wantStatus := map[string]model.AttendanceStatus{
		"S1": model.StatusPresent,
		"S2": model.StatusAbsent,
		"S3": model.StatusPresent,
	}
	for i, e := range entries {
		if e.ID != wantOrder[i] {
			t.Errorf("entries[%d] = %s, want %s", i, e.ID, wantOrder[i])
		}
		if e.Status != wantStatus[e.ID] {
			t.Errorf("%s status = %s, want %s", e.ID, e.Status, wantStatus[e.ID])
		}
	}
	if entries[0].FormattedDate != "Sep 8, 2024" {
		t.Errorf("FormattedDate = %q", entries[0].FormattedDate)
	}
	if entries[1].SavedInSection != "MA201" {
		t.Errorf("SavedInSection = %q", entries[1].SavedInSection)
	}
}

func TestLoad_RequiresUser(t *testing.T) {
	_, svc := seed(t)
	if _, err := svc.Load(context.Background(), "", model.Identity{}); !model.IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
}

type brokenResolver struct{}

func (brokenResolver) Resolve(context.Context, []catalog.Ref) (catalog.Result, error) {
	return catalog.Result{}, &model.FetchError{Op: "resolve", Err: errors.New("unavailable")}
}

type staticRecords model.SavedRecord

func (s staticRecords) Load(context.Context, string) (model.SavedRecord, error) {
	return model.SavedRecord(s), nil
}

func TestLoad_ResolveFailureIsFetchError(t *testing.T) {
	rec := staticRecords{UserID: "u1", Records: []model.SessionReference{{SessionID: "S1", Section: "CS101"}}}
	svc := NewService(rec, brokenResolver{}, nil, nil)
	if _, err := svc.Load(context.Background(), "u1", model.Identity{UID: "u1"}); !model.IsFetch(err) {
		t.Fatalf("err = %v, want FetchError", err)
	}
}

func TestLoad_EmptyRecordIsNotFound(t *testing.T) {
	svc := NewService(staticRecords{UserID: "u1"}, brokenResolver{}, nil, nil)
	if _, err := svc.Load(context.Background(), "u1", model.Identity{UID: "u1"}); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func entry(id, course, section, saved string) Entry {
	var e Entry
	e.ID, e.Course, e.Section, e.SavedInSection = id, course, section, saved
	return e
}

func TestFilter(t *testing.T) {
	entries := []Entry{
		entry("1", "Data Structures", "CS101", "CS101"),
		entry("2", "Linear Algebra", "MA201", "MA201"),
		entry("3", "Algorithms", "CS102", "unknown"),
	}
	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"zero query keeps all", Query{}, []string{"1", "2", "3"}},
		{"search course", Query{Search: "algebra"}, []string{"2"}},
		{"search section", Query{Search: "cs10"}, []string{"1", "3"}},
		{"section exact", Query{Section: "CS101"}, []string{"1"}},
		{"section is not a prefix match", Query{Section: "CS1"}, nil},
		{"saved section counts", Query{Section: "unknown"}, []string{"3"}},
		{"combined", Query{Search: "data", Section: "MA201"}, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Filter(entries, tt.q)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %v", len(got), tt.want)
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestSections(t *testing.T) {
	got := Sections([]Entry{
		entry("1", "", "MA201", ""),
		entry("2", "", "CS101", ""),
		entry("3", "", "MA201", ""),
		entry("4", "", "", ""),
	})
	if len(got) != 2 || got[0] != "CS101" || got[1] != "MA201" {
		t.Fatalf("Sections = %v", got)
	}
}
