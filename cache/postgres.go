package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
)

const postgresBackend = "postgres"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key         TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	value       BYTEA NOT NULL,
	fetched_at  BIGINT NOT NULL,
	last_access BIGINT NOT NULL
);
`

// Postgres is the multi-replica Content Cache backend: several pyenvd
// daemon instances sharing one cache over a pgxpool.Pool, the same driver
// the teacher uses for its primary datastore.
type Postgres struct {
	pool      *pgxpool.Pool
	maxBytes  int64
	ttl       time.Duration
	targetPct float64
}

// PostgresOptions configures a Postgres store.
type PostgresOptions struct {
	ConnString string
	MaxBytes   int64
	// TTL bounds how long an entry is served after its fetched_at; see
	// SqliteOptions.TTL. Zero disables expiry.
	TTL time.Duration
}

// NewPostgres connects to Postgres and ensures the schema exists.
func NewPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	const op = "cache.new_postgres"
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, errs.Wrap(errs.IO, op, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.IO, op, err)
	}
	return &Postgres{pool: pool, maxBytes: opts.MaxBytes, ttl: opts.TTL, targetPct: 0.90}, nil
}

func (p *Postgres) Close() error { p.pool.Close(); return nil }

func (p *Postgres) Get(ctx context.Context, key pyenvd.CacheKey) (*pyenvd.CacheEntry, bool, error) {
	const op = "cache.get"
	defer observe(postgresBackend, "get", time.Now())

	var value []byte
	var fetchedAtUnix int64
	row := p.pool.QueryRow(ctx, `SELECT value, fetched_at FROM cache_entries WHERE key = $1`, string(key))
	if err := row.Scan(&value, &fetchedAtUnix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			recordLookup(postgresBackend, "miss")
			return nil, false, nil
		}
		recordLookup(postgresBackend, "error")
		return nil, false, errs.Wrap(errs.IO, op, err)
	}

	fetchedAt := time.Unix(fetchedAtUnix, 0).UTC()
	if p.ttl > 0 && (pyenvd.CacheEntry{FetchedAt: fetchedAt}).Expired(time.Now(), p.ttl) {
		if _, err := p.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, string(key)); err != nil {
			recordLookup(postgresBackend, "error")
			return nil, false, errs.Wrap(errs.IO, op, err)
		}
		recordLookup(postgresBackend, "expired")
		return nil, false, nil
	}

	if _, err := p.pool.Exec(ctx, `UPDATE cache_entries SET last_access = $1 WHERE key = $2`, time.Now().Unix(), string(key)); err != nil {
		recordLookup(postgresBackend, "error")
		return nil, false, errs.Wrap(errs.IO, op, err)
	}

	entry, err := decodeRow(key, fetchedAt, value)
	if err != nil {
		recordLookup(postgresBackend, "error")
		return nil, false, err
	}
	recordLookup(postgresBackend, "hit")
	return entry, true, nil
}

func (p *Postgres) Put(ctx context.Context, entry pyenvd.CacheEntry) error {
	const op = "cache.put"
	defer observe(postgresBackend, "put", time.Now())

	value, err := encodeRow(entry)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	now := time.Now()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO cache_entries (key, kind, value, fetched_at, last_access)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			kind = excluded.kind, value = excluded.value,
			fetched_at = excluded.fetched_at, last_access = excluded.last_access
	`, string(entry.Key), string(entryKind(entry)), value, entry.FetchedAt.Unix(), now.Unix())
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}

	evicted, err := p.evictLocked(ctx, tx)
	if err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.IO, op, err)
	}
	recordEviction(postgresBackend, evicted)
	return nil
}

// Evict forces an eviction pass in its own transaction, for the daemon to
// call directly on a resource-limit breach rather than waiting for the
// next Put.
func (p *Postgres) Evict(ctx context.Context) (int, error) {
	const op = "cache.evict"
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.IO, op, err)
	}
	defer tx.Rollback(ctx)

	evicted, err := p.evictLocked(ctx, tx)
	if err != nil {
		return 0, errs.Wrap(errs.IO, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errs.Wrap(errs.IO, op, err)
	}
	recordEviction(postgresBackend, evicted)
	return evicted, nil
}

// evictLocked removes least-recently-accessed rows until the total value
// size is at or under targetPct of maxBytes, inside the caller's
// transaction. A no-op when maxBytes is zero.
func (p *Postgres) evictLocked(ctx context.Context, tx pgx.Tx) (int, error) {
	if p.maxBytes <= 0 {
		return 0, nil
	}
	var total int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries`).Scan(&total); err != nil {
		return 0, err
	}
	if total <= p.maxBytes {
		return 0, nil
	}
	target := int64(float64(p.maxBytes) * p.targetPct)

	rows, err := tx.Query(ctx, `SELECT key, LENGTH(value) FROM cache_entries ORDER BY last_access ASC`)
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
		if _, err := tx.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}
