package docstore

import (
	"context"
	"sync"
	"time"
)

type memDoc struct {
	data      map[string]any
	version   int64
	updatedAt time.Time
}

type memWatch struct {
	collection string
	filters    []Filter
	notify     chan struct{}
}

// Memory is an in-process Store for development and tests. Watches are
// notified on every write to their collection and always deliver the
// latest result set; intermediate states may be coalesced.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]map[string]*memDoc
	watchers map[*memWatch]struct{}
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]map[string]*memDoc),
		watchers: make(map[*memWatch]struct{}),
		now:      time.Now,
	}
}

// SetClock overrides the clock used for ServerTimestamp and UpdatedAt.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d.toDocument(id), nil
}

func (m *Memory) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(collection, filters), nil
}

func (m *Memory) queryLocked(collection string, filters []Filter) []Document {
	out := []Document{}
	for id, d := range m.docs[collection] {
		if Matches(d.data, filters) {
			out = append(out, d.toDocument(id))
		}
	}
	sortByID(out)
	return out
}

func (m *Memory) Watch(ctx context.Context, collection string, filters ...Filter) (<-chan Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &memWatch{collection: collection, filters: filters, notify: make(chan struct{}, 1)}
	w.notify <- struct{}{}

	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	out := make(chan Snapshot)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}
			docs, _ := m.Query(context.Background(), collection, filters...)
			select {
			case out <- Snapshot{Docs: docs}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(collection, id, data)
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged := make(map[string]any, len(d.data)+len(fields))
	for k, v := range d.data {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return m.writeLocked(collection, id, merged)
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return nil
	}
	delete(m.docs[collection], id)
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expectVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if d, ok := m.docs[collection][id]; ok {
		current = d.version
	}
	if current != expectVersion {
		return ErrConflict
	}
	return m.writeLocked(collection, id, data)
}

func (m *Memory) writeLocked(collection, id string, data map[string]any) error {
	now := m.now()
	norm, err := normalize(data, now)
	if err != nil {
		return err
	}
	coll, ok := m.docs[collection]
	if !ok {
		coll = make(map[string]*memDoc)
		m.docs[collection] = coll
	}
	var version int64 = 1
	if prev, ok := coll[id]; ok {
		version = prev.version + 1
	}
	coll[id] = &memDoc{data: norm, version: version, updatedAt: now}
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) notifyLocked(collection string) {
	for w := range m.watchers {
		if w.collection != collection {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (d *memDoc) toDocument(id string) Document {
	// normalize already produced a private copy; copy again so callers can't mutate it.
	data, _ := normalize(d.data, d.updatedAt)
	return Document{ID: id, Data: data, Version: d.version, UpdatedAt: d.updatedAt}
}

var _ Store = (*Memory)(nil)
