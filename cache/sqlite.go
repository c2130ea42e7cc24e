package cache

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
)

const sqliteBackend = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	value       BLOB NOT NULL,
	fetched_at  INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);
`

// Sqlite is the default Content Cache backend: a single file, no external
// service, good enough for a single pyenvd daemon instance.
type Sqlite struct {
	db        *sql.DB
	maxBytes  int64
	ttl       time.Duration
	targetPct float64
}

// SqliteOptions configures a Sqlite store.
type SqliteOptions struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string
	// MaxBytes bounds the sum of value-column sizes; Put evicts
	// least-recently-accessed rows down to 90% of this limit once it's
	// exceeded. Zero disables eviction.
	MaxBytes int64
	// TTL bounds how long an entry is served after its fetched_at; Get
	// reports a miss (and removes the row) once an entry is older than
	// this. Zero disables expiry.
	TTL time.Duration
}

// NewSqlite opens (creating if necessary) a Sqlite-backed Store.
func NewSqlite(opts SqliteOptions) (*Sqlite, error) {
	const op = "cache.new_sqlite"
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.IO, op, err)
	}
	return &Sqlite{db: db, maxBytes: opts.MaxBytes, ttl: opts.TTL, targetPct: 0.90}, nil
}

func (s *Sqlite) Close() error { return s.db.Close() }

func (s *Sqlite) Get(ctx context.Context, key pyenvd.CacheKey) (*pyenvd.CacheEntry, bool, error) {
	const op = "cache.get"
	defer observe(sqliteBackend, "get", time.Now())

	var value []byte
	var fetchedAtUnix int64
	row := s.db.QueryRowContext(ctx, `SELECT value, fetched_at FROM cache_entries WHERE key = ?`, string(key))
	switch err := row.Scan(&value, &fetchedAtUnix); {
	case err == sql.ErrNoRows:
		recordLookup(sqliteBackend, "miss")
		return nil, false, nil
	case err != nil:
		recordLookup(sqliteBackend, "error")
		return nil, false, errs.Wrap(errs.IO, op, err)
	}

	fetchedAt := time.Unix(fetchedAtUnix, 0).UTC()
	if s.ttl > 0 && (pyenvd.CacheEntry{FetchedAt: fetchedAt}).Expired(time.Now(), s.ttl) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, string(key)); err != nil {
			recordLookup(sqliteBackend, "error")
			return nil, false, errs.Wrap(errs.IO, op, err)
		}
		recordLookup(sqliteBackend, "expired")
		return nil, false, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET last_access = ? WHERE key = ?`, time.Now().Unix(), string(key)); err != nil {
		recordLookup(sqliteBackend, "error")
		return nil, false, errs.Wrap(errs.IO, op, err)
	}

	entry, err := decodeRow(key, fetchedAt, value)
	if err != nil {
		recordLookup(sqliteBackend, "error")
		return nil, false, err
	}
	recordLookup(sqliteBackend, "hit")
	return entry, true, nil
}

func (s *Sqlite) Put(ctx context.Context, entry pyenvd.CacheEntry) error {
	const op = "cache.put"
	defer observe(sqliteBackend, "put", time.Now())

	value, err := encodeRow(entry)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries (key, kind, value, fetched_at, last_access)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind, value = excluded.value,
			fetched_at = excluded.fetched_at, last_access = excluded.last_access
	`, string(entry.Key), string(entryKind(entry)), value, entry.FetchedAt.Unix(), now.Unix())
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}

	evicted, err := s.evictLocked(ctx, tx)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	recordEviction(sqliteBackend, evicted)
	return nil
}

// Evict forces an eviction pass in its own transaction, for the daemon to
// call directly on a resource-limit breach rather than waiting for the
// next Put.
func (s *Sqlite) Evict(ctx context.Context) (int, error) {
	const op = "cache.evict"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.IO, op, err)
	}
	defer tx.Rollback()

	evicted, err := s.evictLocked(ctx, tx)
	if err != nil {
		return 0, errs.Wrap(errs.IO, op, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.IO, op, err)
	}
	recordEviction(sqliteBackend, evicted)
	return evicted, nil
}

// evictLocked removes least-recently-accessed rows until the total value
// size is at or under targetPct of maxBytes, inside the caller's
// transaction. A no-op when maxBytes is zero.
func (s *Sqlite) evictLocked(ctx context.Context, tx *sql.Tx) (int, error) {
	if s.maxBytes <= 0 {
		return 0, nil
	}
	var total int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}
	if total <= s.maxBytes {
		return 0, nil
	}
	target := int64(float64(s.maxBytes) * s.targetPct)

	// Collect candidate keys before deleting any: the sqlite driver doesn't
	// allow running a second statement on the same connection while a
	// query's rows are still being iterated.
	rows, err := tx.QueryContext(ctx, `SELECT key, LENGTH(value) FROM cache_entries ORDER BY last_access ASC`)
	if err != nil {
		return 0, err
	}
	var victims []string
	for rows.Next() && total > target {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, key)
		total -= size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, key := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}
