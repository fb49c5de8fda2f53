// Package docstore is the narrow document-database surface the sync
// components need: get, filtered query, live watch, set, partial update,
// delete and a versioned compare-and-set.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned by Get and Update for a missing document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict is returned by CompareAndSet when the stored version moved.
	ErrConflict = errors.New("docstore: version conflict")
)

// Document is one stored document. Data holds JSON-shaped values only:
// maps, slices, strings, float64, bool and nil. Times are RFC3339Nano strings.
type Document struct {
	ID        string
	Data      map[string]any
	Version   int64
	UpdatedAt time.Time
}

// Op is a filter operator.
type Op string

const (
	OpEqual Op = "=="
	OpIn    Op = "in"
)

// Filter restricts a query on a top-level field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEqual, Value: value} }

// In builds a membership filter.
func In(field string, values []string) Filter { return Filter{Field: field, Op: OpIn, Value: values} }

// Snapshot is one delivery on a watch stream: the full current result set,
// or a terminal error after which the stream closes.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Watch streams result sets for the query until ctx is cancelled, at
	// which point the channel is closed.
	Watch(ctx context.Context, collection string, filters ...Filter) (<-chan Snapshot, error)
	Set(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	// CompareAndSet writes data only if the stored version equals
	// expectVersion. An expectVersion of 0 means the document must not exist.
	CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expectVersion int64) error
}

type serverTimestamp struct{}

// ServerTimestamp is a placeholder value replaced with the backend's clock on write.
var ServerTimestamp any = serverTimestamp{}

// Decode fills v (a json-tagged struct pointer) from the document data.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", doc.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", doc.ID, err)
	}
	return nil
}

// Encode converts a json-tagged struct into document data.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	return out, nil
}

// replaceSentinels returns a deep copy of data with ServerTimestamp swapped for fn().
func replaceSentinels(data map[string]any, fn func() any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = replaceValue(v, fn)
	}
	return out
}

func replaceValue(v any, fn func() any) any {
	switch t := v.(type) {
	case serverTimestamp:
		return fn()
	case map[string]any:
		return replaceSentinels(t, fn)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = replaceValue(t[i], fn)
		}
		return out
	default:
		return v
	}
}

// normalize resolves sentinels against now and round-trips through JSON so
// every backend hands out the same value shapes.
func normalize(data map[string]any, now time.Time) (map[string]any, error) {
	resolved := replaceSentinels(data, func() any { return now.UTC().Format(time.RFC3339Nano) })
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("docstore: normalize: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("docstore: normalize: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Matches reports whether data satisfies every filter.
func Matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := data[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(got, normalizeValue(f.Value)) {
				return false
			}
		case OpIn:
			values, _ := normalizeValue(f.Value).([]any)
			found := false
			for _, want := range values {
				if reflect.DeepEqual(got, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func sortByID(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

// fingerprint identifies a result set by ids and versions, for change detection.
func fingerprint(docs []Document) string {
	b := make([]byte, 0, len(docs)*24)
	for _, d := range docs {
		b = append(b, d.ID...)
		b = append(b, ':')
		b = fmt.Appendf(b, "%d", d.Version)
		b = append(b, ';')
	}
	return string(b)
}
