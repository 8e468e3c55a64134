package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"partsguide-ingest/internal/backoff"
	"partsguide-ingest/internal/cache"
	"partsguide-ingest/internal/fetch"
)

// countingAdapter tracks concurrent entries so concurrency bounds are
// observable from the outside.
type countingAdapter struct {
	mu          sync.Mutex
	inflight    int
	maxInflight int
	calls       int
	delay       time.Duration
	prefix      string
	failTargets map[string]error
}

func (c *countingAdapter) Fetch(ctx context.Context, target string) (fetch.Result, error) {
	if target == "" {
		return fetch.Result{Status: fetch.StatusSkipped}, nil
	}
	c.mu.Lock()
	c.calls++
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	err := c.failTargets[target]
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	if err != nil {
		return fetch.Result{}, err
	}
	return fetch.Result{Status: fetch.StatusOK, Data: c.prefix + ":" + target}, nil
}

func (c *countingAdapter) stats() (calls, maxInflight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.maxInflight
}

func testRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{
			"part_number": "PN-" + string(rune('A'+i%26)) + string(rune('0'+i/26)),
			"part_type":   "brake_pad",
			"http_url":    "https://api.example/guide/" + string(rune('a'+i%26)) + string(rune('0'+i/26)),
			"ui_query":    "query " + string(rune('a'+i%26)) + string(rune('0'+i/26)),
		}
	}
	return rows
}

func TestProcessMergesBothSources(t *testing.T) {
	httpA := &countingAdapter{prefix: "http"}
	uiA := &countingAdapter{prefix: "ui"}
	p := &Processor{HTTP: httpA, UI: uiA, Log: zerolog.Nop()}

	rows := []Row{{
		"part_number": "PN-1",
		"part_type":   "brake_pad",
		"http_url":    "https://api.example/guide/1",
		"ui_query":    "brake pad PN-1",
	}}
	out, err := p.Process(context.Background(), rows, 4)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 row, got %d", len(out))
	}
	got := out[0]
	if got["http_status"] != "ok" || got["http_data"] != "http:https://api.example/guide/1" || got["http_cache_hit"] != "false" {
		t.Fatalf("unexpected http fields: %v", got)
	}
	if got["ui_status"] != "ok" || got["ui_data"] != "ui:brake pad PN-1" || got["ui_cache_hit"] != "false" {
		t.Fatalf("unexpected ui fields: %v", got)
	}
	if got["part_number"] != "PN-1" {
		t.Fatal("original fields must carry through")
	}
	// Input row must not be mutated.
	if _, ok := rows[0]["http_status"]; ok {
		t.Fatal("input row was mutated in place")
	}
}

func TestProcessBoundsConcurrencyPerSource(t *testing.T) {
	httpA := &countingAdapter{prefix: "http", delay: 20 * time.Millisecond}
	uiA := &countingAdapter{prefix: "ui", delay: 20 * time.Millisecond}
	p := &Processor{HTTP: httpA, UI: uiA, Log: zerolog.Nop()}

	const bound = 3
	if _, err := p.Process(context.Background(), testRows(24), bound); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, maxHTTP := httpA.stats(); maxHTTP > bound {
		t.Fatalf("http concurrency %d exceeded bound %d", maxHTTP, bound)
	}
	if _, maxUI := uiA.stats(); maxUI > bound {
		t.Fatalf("ui concurrency %d exceeded bound %d", maxUI, bound)
	}
}

func TestProcessSecondPassIsAllCacheHits(t *testing.T) {
	store := cache.NewMemory(time.Hour)
	httpA := &countingAdapter{prefix: "http"}
	uiA := &countingAdapter{prefix: "ui"}
	p := &Processor{HTTP: httpA, UI: uiA, Cache: store, Log: zerolog.Nop()}

	rows := testRows(6)
	first, err := p.Process(context.Background(), rows, 4)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	callsAfterFirst, _ := httpA.stats()

	second, err := p.Process(context.Background(), rows, 4)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if calls, _ := httpA.stats(); calls != callsAfterFirst {
		t.Fatalf("second pass hit upstream: %d -> %d calls", callsAfterFirst, calls)
	}
	for i, row := range second {
		if row["http_cache_hit"] != "true" || row["ui_cache_hit"] != "true" {
			t.Fatalf("row %d: expected cache hits, got %v", i, row)
		}
		if row["http_status"] != "cached" || row["ui_status"] != "cached" {
			t.Fatalf("row %d: expected cached status, got %v", i, row)
		}
		if row["http_data"] != first[i]["http_data"] || row["ui_data"] != first[i]["ui_data"] {
			t.Fatalf("row %d: cached data differs from first pass", i)
		}
	}
}

func TestProcessCollapsesIdenticalTargets(t *testing.T) {
	store := cache.NewMemory(time.Hour)
	httpA := &countingAdapter{prefix: "http"}
	uiA := &countingAdapter{prefix: "ui"}
	p := &Processor{HTTP: httpA, UI: uiA, Cache: store, Log: zerolog.Nop()}

	rows := []Row{
		{"part_number": "PN-1", "part_type": "brake_pad", "http_url": "https://api.example/shared"},
		{"part_number": "PN-2", "part_type": "oil_filter", "http_url": "https://api.example/shared"},
	}
	out, err := p.Process(context.Background(), rows, 4)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls, _ := httpA.stats(); calls != 1 {
		t.Fatalf("expected 1 fetch for the shared URL, got %d", calls)
	}
	if out[0]["http_data"] != out[1]["http_data"] {
		t.Fatal("rows sharing a URL must share the fetched data")
	}
	// One cache entry under the sentinel identity, regardless of parts.
	if _, ok, _ := store.Get(context.Background(), URLSentinel, URLSentinel, "http:https://api.example/shared"); !ok {
		t.Fatal("expected sentinel-keyed cache entry")
	}
}

func TestProcessEmptyTargetSkippedWithoutCacheWrite(t *testing.T) {
	store := cache.NewMemory(time.Hour)
	httpA := &countingAdapter{prefix: "http"}
	uiA := &countingAdapter{prefix: "ui"}
	p := &Processor{HTTP: httpA, UI: uiA, Cache: store, Log: zerolog.Nop()}

	rows := []Row{{"part_number": "PN-1", "part_type": "brake_pad"}}
	out, err := p.Process(context.Background(), rows, 4)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out[0]
	if got["http_status"] != "skipped" || got["http_data"] != "" || got["http_cache_hit"] != "false" {
		t.Fatalf("unexpected http fields: %v", got)
	}
	if got["ui_status"] != "skipped" {
		t.Fatalf("unexpected ui fields: %v", got)
	}
	if calls, _ := httpA.stats(); calls != 0 {
		t.Fatalf("skipped row must not fetch, got %d calls", calls)
	}
	if _, ok, _ := store.Get(context.Background(), URLSentinel, URLSentinel, "http:"); ok {
		t.Fatal("unexpected cache entry for empty target")
	}
}

func TestProcessIsolatesRowFailures(t *testing.T) {
	httpA := &countingAdapter{
		prefix:      "http",
		failTargets: map[string]error{"https://api.example/bad": errors.New("connection reset")},
	}
	uiA := &countingAdapter{prefix: "ui"}
	p := &Processor{HTTP: httpA, UI: uiA, Log: zerolog.Nop()}

	rows := []Row{
		{"part_number": "PN-1", "http_url": "https://api.example/bad", "ui_query": "q1"},
		{"part_number": "PN-2", "http_url": "https://api.example/good", "ui_query": "q2"},
	}
	out, err := p.Process(context.Background(), rows, 2)
	if err != nil {
		t.Fatalf("batch must survive a row failure: %v", err)
	}
	if out[0]["http_status"] != "error" || out[0]["http_data"] != "" {
		t.Fatalf("failed row not recorded as error: %v", out[0])
	}
	if out[0]["ui_status"] != "ok" {
		t.Fatalf("ui source of failed row should still succeed: %v", out[0])
	}
	if out[1]["http_status"] != "ok" {
		t.Fatalf("sibling row must not be cancelled: %v", out[1])
	}
}

func TestProcessRateLimitExhaustionRecordedAsError(t *testing.T) {
	httpA := &countingAdapter{
		prefix:      "http",
		failTargets: map[string]error{"https://api.example/throttled": backoff.ErrRateLimited},
	}
	uiA := &countingAdapter{prefix: "ui"}
	p := &Processor{HTTP: httpA, UI: uiA, Log: zerolog.Nop()}

	rows := []Row{{"part_number": "PN-1", "http_url": "https://api.example/throttled"}}
	out, err := p.Process(context.Background(), rows, 1)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out[0]["http_status"] != "error" {
		t.Fatalf("exhausted backoff should surface as error outcome: %v", out[0])
	}
}

func TestRowAccessorsFallBack(t *testing.T) {
	row := Row{"url": "https://fallback", "query": "fallback q", "input_part_number": "ALT-7"}
	if HTTPTarget(row) != "https://fallback" {
		t.Fatalf("http target fallback failed: %q", HTTPTarget(row))
	}
	if UITarget(row) != "fallback q" {
		t.Fatalf("ui target fallback failed: %q", UITarget(row))
	}
	if PartNumber(row) != "ALT-7" {
		t.Fatalf("part number fallback failed: %q", PartNumber(row))
	}

	row["http_url"] = "https://primary"
	if HTTPTarget(row) != "https://primary" {
		t.Fatal("http_url must win over url")
	}
	row["part_number"] = "PN-1"
	if PartNumber(row) != "PN-1" {
		t.Fatal("part_number must win over synonyms")
	}
}
