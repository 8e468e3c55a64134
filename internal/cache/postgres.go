package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	part_number TEXT NOT NULL,
	part_type   TEXT NOT NULL,
	cache_kind  TEXT NOT NULL,
	value       TEXT NOT NULL,
	fetched_at  BIGINT NOT NULL,
	PRIMARY KEY (part_number, part_type, cache_kind)
)`

// Postgres backs the cache with a shared database so multiple hosts working
// through the same part list reuse each other's fetches. Selected by DSN;
// SQLite remains the single-host default.
type Postgres struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

type PostgresOptions struct {
	DSN        string
	MaxConns   int
	ViaBouncer bool // simple protocol for PgBouncer txn pooling
}

func NewPostgres(ctx context.Context, opts PostgresOptions, ttl time.Duration) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("cache dsn parse: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cache db connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cache schema: %w", err)
	}
	return &Postgres{pool: pool, ttl: ttl, now: time.Now}, nil
}

func (p *Postgres) Get(ctx context.Context, number, partType, kind string) (Entry, bool, error) {
	var value string
	var fetchedMs int64
	err := p.pool.QueryRow(ctx,
		`SELECT value, fetched_at FROM cache_entries
		 WHERE part_number=$1 AND part_type=$2 AND cache_kind=$3`,
		number, partType, kind,
	).Scan(&value, &fetchedMs)
	if err == pgx.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	fetchedAt := time.UnixMilli(fetchedMs)
	if p.ttl > 0 && p.now().Sub(fetchedAt) > p.ttl {
		if err := p.Delete(ctx, number, partType, kind); err != nil {
			return Entry{}, false, err
		}
		return Entry{}, false, nil
	}
	return Entry{Value: value, FetchedAt: fetchedAt}, true, nil
}

func (p *Postgres) Set(ctx context.Context, number, partType, kind, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cache_entries (part_number, part_type, cache_kind, value, fetched_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (part_number, part_type, cache_kind)
		 DO UPDATE SET value=excluded.value, fetched_at=excluded.fetched_at`,
		number, partType, kind, value, p.now().UnixMilli(),
	)
	return err
}

func (p *Postgres) Delete(ctx context.Context, number, partType, kind string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM cache_entries WHERE part_number=$1 AND part_type=$2 AND cache_kind=$3`,
		number, partType, kind,
	)
	return err
}

func (p *Postgres) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM cache_entries`)
	return err
}

func (p *Postgres) PruneExpired(ctx context.Context) (int64, error) {
	if p.ttl <= 0 {
		return 0, nil
	}
	cutoff := p.now().Add(-p.ttl).UnixMilli()
	tag, err := p.pool.Exec(ctx, `DELETE FROM cache_entries WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
