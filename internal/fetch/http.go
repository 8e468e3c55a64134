package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"partsguide-ingest/internal/backoff"
	"partsguide-ingest/internal/metrics"
)

// HTTPAdapter performs direct GETs against the buyer's-guide API (or any
// plain URL target) and returns the response body as-is.
type HTTPAdapter struct {
	client    *http.Client
	userAgent string
	exec      backoff.Executor
	metrics   *metrics.Metrics
}

type HTTPAdapterOptions struct {
	UserAgent string
	Timeout   time.Duration
	Backoff   backoff.Executor
	Metrics   *metrics.Metrics
}

func NewHTTPAdapter(opts HTTPAdapterOptions) *HTTPAdapter {
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "partsguide-ingest/1.0"
	}
	return &HTTPAdapter{
		client:    &http.Client{Timeout: to},
		userAgent: ua,
		exec:      opts.Backoff,
		metrics:   opts.Metrics,
	}
}

func (a *HTTPAdapter) Fetch(ctx context.Context, target string) (Result, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Result{Status: StatusSkipped, Data: ""}, nil
	}
	body, err := backoff.Do(ctx, a.exec, func(ctx context.Context) (string, error) {
		return a.doGET(ctx, target)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Data: body}, nil
}

func (a *HTTPAdapter) doGET(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.5")
	req.Header.Set("User-Agent", a.userAgent)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if a.metrics != nil {
		a.metrics.RecordRequest(resp.StatusCode, time.Since(start))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if a.metrics != nil {
			a.metrics.RecordRetry()
		}
		return "", fmt.Errorf("GET %s: %w", target, backoff.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("GET %s: http status %d", target, resp.StatusCode)
	}
	return string(b), nil
}

var _ Adapter = (*HTTPAdapter)(nil)

// IsRateLimited reports whether err is the distinguished transient refusal.
func IsRateLimited(err error) bool {
	return errors.Is(err, backoff.ErrRateLimited)
}
