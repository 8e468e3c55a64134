package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"partsguide-ingest/internal/backoff"
	"partsguide-ingest/internal/cache"
)

type stubAdapter struct {
	calls int
	data  string
	err   error
}

func (s *stubAdapter) Fetch(ctx context.Context, target string) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{Status: StatusOK, Data: s.data}, nil
}

func TestParseDescription(t *testing.T) {
	html := `<html><head>
		<meta charset="utf-8">
		<meta NAME="Description" content="Premium ceramic brake pads">
	</head><body></body></html>`
	if got := ParseDescription(html); got != "Premium ceramic brake pads" {
		t.Fatalf("unexpected description %q", got)
	}
	if got := ParseDescription("<html><head></head></html>"); got != "" {
		t.Fatalf("expected empty description, got %q", got)
	}
}

func TestFetchBuyerGuideCachesPayload(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(time.Hour)
	stub := &stubAdapter{data: `{"makes":["honda"],"years":[2020]}`}

	guide, err := FetchBuyerGuide(ctx, store, stub, "PN-1", "brake_pad", "https://api.example/guide")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok := guide.Payload["makes"]; !ok {
		t.Fatal("payload missing makes key")
	}
	if stub.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", stub.calls)
	}

	// Second lookup is served from cache.
	if _, err := FetchBuyerGuide(ctx, store, stub, "PN-1", "brake_pad", "https://api.example/guide"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected cached second lookup, got %d calls", stub.calls)
	}
}

func TestFetchBuyerGuideRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(time.Hour)
	stub := &stubAdapter{data: `not json`}
	if _, err := FetchBuyerGuide(ctx, store, stub, "PN-1", "brake_pad", "https://api.example/guide"); err == nil {
		t.Fatal("expected parse error")
	}
	// Malformed payloads must not be cached.
	if _, ok, _ := store.Get(ctx, "PN-1", "brake_pad", KindBuyerGuide); ok {
		t.Fatal("malformed payload was cached")
	}
}

func TestFetchInfoPageCachesHTMLAndDescription(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory(time.Hour)
	stub := &stubAdapter{data: `<head><meta name="description" content="An oil filter"></head>`}

	info, err := FetchInfoPage(ctx, store, stub, "PN-2", "oil_filter", "https://example/part/PN-2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if info.Description != "An oil filter" {
		t.Fatalf("unexpected description %q", info.Description)
	}
	if stub.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", stub.calls)
	}

	info2, err := FetchInfoPage(ctx, store, stub, "PN-2", "oil_filter", "https://example/part/PN-2")
	if err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected cached second lookup, got %d calls", stub.calls)
	}
	if info2.HTML != info.HTML || info2.Description != info.Description {
		t.Fatal("cached result differs from original")
	}
}

func TestMockAdapterSkipsEmptyTarget(t *testing.T) {
	m := &MockAdapter{Prefix: "ui"}
	res, err := m.Fetch(context.Background(), "   ")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != StatusSkipped || res.Data != "" {
		t.Fatalf("expected skipped/empty, got %+v", res)
	}
}

func TestMockAdapterRateLimitExhaustsBackoff(t *testing.T) {
	attemptsSeen := 0
	m := &MockAdapter{
		Prefix: "ui",
		Backoff: backoff.Executor{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			Sleep: func(context.Context, time.Duration) error {
				attemptsSeen++
				return nil
			},
		},
	}
	_, err := m.Fetch(context.Background(), "row with rate_limit marker")
	if !errors.Is(err, backoff.ErrRateLimited) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if attemptsSeen != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", attemptsSeen)
	}
}

func TestMockAdapterSynthesizesData(t *testing.T) {
	m := &MockAdapter{Prefix: "http"}
	res, err := m.Fetch(context.Background(), "https://example/guide")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != StatusOK || res.Data != "http:https://example/guide" {
		t.Fatalf("unexpected result %+v", res)
	}
}
