package cachebridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps cache generations in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the cache database at path and runs the
// schema migration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create cache directory %s", dir)
		}
	}

	// modernc applies _pragma parameters to every new connection.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open cache db")
	}
	// One writer at a time; the bridge never needs more.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping cache db")
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate cache db")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS cache_entries (
    generation  TEXT NOT NULL,
    request_key TEXT NOT NULL,
    status      INTEGER NOT NULL,
    header      TEXT NOT NULL,
    body        BLOB NOT NULL,
    stored_at   INTEGER NOT NULL,
    PRIMARY KEY (generation, request_key)
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_generation ON cache_entries(generation);
`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the entry or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, generation, key string) (*Entry, error) {
	var (
		header   string
		storedAt int64
		e        = Entry{Generation: generation, Key: key}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE generation = ? AND request_key = ?`,
		generation, key,
	).Scan(&e.Status, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get cache entry %s/%s", generation, key)
	}

	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, errors.Wrapf(err, "decode header of %s/%s", generation, key)
	}
	e.StoredAt = time.UnixMilli(storedAt).UTC()
	return &e, nil
}

// Put writes the entry, superseding any previous one with the same key in
// the same generation.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return errors.Wrap(err, "encode header")
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO cache_entries (generation, request_key, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (generation, request_key) DO UPDATE SET
    status = excluded.status,
    header = excluded.header,
    body = excluded.body,
    stored_at = excluded.stored_at`,
		e.Generation, e.Key, e.Status, string(header), body, e.StoredAt.UnixMilli(),
	)
	return errors.Wrapf(err, "put cache entry %s/%s", e.Generation, e.Key)
}

// DeleteExcept drops every generation but the given one.
func (s *SQLiteStore) DeleteExcept(ctx context.Context, generation string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation <> ?`, generation)
	if err != nil {
		return 0, errors.Wrap(err, "delete stale generations")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "count deleted entries")
}

// Generations lists the generations present, sorted by name.
func (s *SQLiteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT generation FROM cache_entries ORDER BY generation`)
	if err != nil {
		return nil, errors.Wrap(err, "list generations")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, errors.Wrap(err, "scan generation")
		}
		out = append(out, g)
	}
	return out, errors.Wrap(rows.Err(), "iterate generations")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
