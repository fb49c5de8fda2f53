package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	version    BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (collection, id)
)`

// SQL stores documents as JSON text in a single table. It runs on Postgres
// (pgx stdlib driver) and SQLite; the statements stick to the dialect both
// accept. Filters are applied after loading the collection, and watches poll.
type SQL struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

// NewSQL wraps db and creates the documents table if needed.
func NewSQL(ctx context.Context, db *sql.DB, pollInterval time.Duration) (*SQL, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		return nil, fmt.Errorf("docstore: create schema: %w", err)
	}
	return &SQL{db: db, pollInterval: pollInterval, now: time.Now}, nil
}

func (s *SQL) Get(ctx context.Context, collection, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	var (
		raw     string
		version int64
		updated int64
	)
	if err := row.Scan(&raw, &version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("docstore: get %s/%s: %w", collection, id, err)
	}
	return decodeRow(id, raw, version, updated)
}

func (s *SQL) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, version, updated_at FROM documents WHERE collection = $1 ORDER BY id`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var (
			id, raw          string
			version, updated int64
		)
		if err := rows.Scan(&id, &raw, &version, &updated); err != nil {
			return nil, fmt.Errorf("docstore: scan %s: %w", collection, err)
		}
		doc, err := decodeRow(id, raw, version, updated)
		if err != nil {
			return nil, err
		}
		if Matches(doc.Data, filters) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

// Watch polls the query and emits whenever the id/version set changes.
func (s *SQL) Watch(ctx context.Context, collection string, filters ...Filter) (<-chan Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		last := ""
		first := true
		for {
			docs, err := s.Query(ctx, collection, filters...)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- Snapshot{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if fp := fingerprint(docs); first || fp != last {
				first, last = false, fp
				select {
				case out <- Snapshot{Docs: docs}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (s *SQL) Set(ctx context.Context, collection, id string, data map[string]any) error {
	now := s.now()
	raw, err := encodeData(data, now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			version = documents.version + 1,
			updated_at = excluded.updated_at
	`, collection, id, raw, now.UnixNano())
	if err != nil {
		return fmt.Errorf("docstore: set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges fields into the stored document, retrying on concurrent writes.
func (s *SQL) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	for attempt := 0; attempt < 5; attempt++ {
		doc, err := s.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		for k, v := range fields {
			doc.Data[k] = v
		}
		err = s.CompareAndSet(ctx, collection, id, doc.Data, doc.Version)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

func (s *SQL) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *SQL) CompareAndSet(ctx context.Context, collection, id string, data map[string]any, expectVersion int64) error {
	now := s.now()
	raw, err := encodeData(data, now)
	if err != nil {
		return err
	}
	var res sql.Result
	if expectVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data, version, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (collection, id) DO NOTHING
		`, collection, id, raw, now.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE documents SET data = $1, version = version + 1, updated_at = $2
			WHERE collection = $3 AND id = $4 AND version = $5
		`, raw, now.UnixNano(), collection, id, expectVersion)
	}
	if err != nil {
		return fmt.Errorf("docstore: cas %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("docstore: cas %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func encodeData(data map[string]any, now time.Time) (string, error) {
	norm, err := normalize(data, now)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("docstore: encode: %w", err)
	}
	return string(raw), nil
}

func decodeRow(id, raw string, version, updated int64) (Document, error) {
	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Document{}, fmt.Errorf("docstore: decode %s: %w", id, err)
	}
	return Document{ID: id, Data: data, Version: version, UpdatedAt: time.Unix(0, updated).UTC()}, nil
}

var _ Store = (*SQL)(nil)
