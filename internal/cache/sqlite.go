package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	part_number TEXT NOT NULL,
	part_type   TEXT NOT NULL,
	cache_kind  TEXT NOT NULL,
	value       TEXT NOT NULL,
	fetched_at  INTEGER NOT NULL,
	PRIMARY KEY (part_number, part_type, cache_kind)
)`

// SQLite is the default durable Store: a single cache.sqlite3 file under the
// configured cache directory, shared by resumed runs on the same host.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLite opens (creating if needed) cache.sqlite3 under dir.
func NewSQLite(dir string, ttl time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	path := filepath.Join(dir, "cache.sqlite3")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache schema: %w", err)
	}
	return &SQLite{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, number, partType, kind string) (Entry, bool, error) {
	var value string
	var fetchedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, fetched_at FROM cache_entries
		 WHERE part_number=? AND part_type=? AND cache_kind=?`,
		number, partType, kind,
	).Scan(&value, &fetchedMs)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	fetchedAt := time.UnixMilli(fetchedMs)
	if s.expired(fetchedAt) {
		if err := s.Delete(ctx, number, partType, kind); err != nil {
			return Entry{}, false, err
		}
		return Entry{}, false, nil
	}
	return Entry{Value: value, FetchedAt: fetchedAt}, true, nil
}

func (s *SQLite) Set(ctx context.Context, number, partType, kind, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (part_number, part_type, cache_kind, value, fetched_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (part_number, part_type, cache_kind)
		 DO UPDATE SET value=excluded.value, fetched_at=excluded.fetched_at`,
		number, partType, kind, value, s.now().UnixMilli(),
	)
	return err
}

func (s *SQLite) Delete(ctx context.Context, number, partType, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE part_number=? AND part_type=? AND cache_kind=?`,
		number, partType, kind,
	)
	return err
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

func (s *SQLite) PruneExpired(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) expired(fetchedAt time.Time) bool {
	return s.ttl > 0 && s.now().Sub(fetchedAt) > s.ttl
}
