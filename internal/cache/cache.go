// Package cache stores fetched payloads keyed by part identity and fetch
// kind, with a TTL after which entries are treated as absent.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached payload. Value is opaque to the cache; callers store
// serialized JSON or raw page text.
type Entry struct {
	Value     string
	FetchedAt time.Time
}

// Store is the cache capability. The primary key is the
// (number, partType, kind) triple; at most one live entry exists per key.
// Get returns absent for expired entries and purges them as a side effect.
type Store interface {
	Get(ctx context.Context, number, partType, kind string) (Entry, bool, error)
	Set(ctx context.Context, number, partType, kind, value string) error
	Delete(ctx context.Context, number, partType, kind string) error
	Clear(ctx context.Context) error
	PruneExpired(ctx context.Context) (int64, error)
	Close() error
}

type memKey struct {
	number   string
	partType string
	kind     string
}

// Memory is an ephemeral Store used when no durable cache is configured.
// The batch processor gets a fresh one per batch, so nothing survives the
// batch, let alone the process.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[memKey]Entry
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		entries: make(map[memKey]Entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, number, partType, kind string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{number, partType, kind}
	e, ok := m.entries[k]
	if !ok {
		return Entry{}, false, nil
	}
	if m.expired(e.FetchedAt) {
		delete(m.entries, k)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *Memory) Set(ctx context.Context, number, partType, kind, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memKey{number, partType, kind}] = Entry{Value: value, FetchedAt: m.now()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, number, partType, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey{number, partType, kind})
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[memKey]Entry)
	return nil
}

func (m *Memory) PruneExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if m.expired(e.FetchedAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) expired(fetchedAt time.Time) bool {
	return m.ttl > 0 && m.now().Sub(fetchedAt) > m.ttl
}
