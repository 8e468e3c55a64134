// Package metrics tracks request outcomes and cache effectiveness for one
// run, exposed in Prometheus text form on an optional embedded listener.
package metrics

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	mu sync.Mutex

	reqTotalByCode map[int]uint64
	req429Count    uint64

	latSamplesMs []float64
	latIdx       int
	latCount     int
	p50ms        float64
	p95ms        float64

	cacheHits   uint64
	cacheMisses uint64
	fetchErrors uint64
	retries     uint64

	start time.Time
}

func New(latWindow int) *Metrics {
	if latWindow < 64 {
		latWindow = 64
	}
	return &Metrics{
		reqTotalByCode: make(map[int]uint64, 8),
		latSamplesMs:   make([]float64, latWindow),
		start:          time.Now(),
	}
}

// RecordRequest counts one upstream request by status code and feeds the
// latency ring.
func (m *Metrics) RecordRequest(code int, latency time.Duration) {
	ms := float64(latency.Milliseconds())
	m.mu.Lock()
	m.reqTotalByCode[code]++
	if code == http.StatusTooManyRequests {
		m.req429Count++
	}
	m.latSamplesMs[m.latIdx] = ms
	m.latIdx = (m.latIdx + 1) % len(m.latSamplesMs)
	if m.latCount < len(m.latSamplesMs) {
		m.latCount++
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

func (m *Metrics) RecordCacheMiss() {
	m.mu.Lock()
	m.cacheMisses++
	m.mu.Unlock()
}

func (m *Metrics) RecordFetchError() {
	m.mu.Lock()
	m.fetchErrors++
	m.mu.Unlock()
}

func (m *Metrics) RecordRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

// SnapshotLatencies recomputes and returns p50/p95 over the current window.
func (m *Metrics) SnapshotLatencies() (p50, p95 float64) {
	m.mu.Lock()
	n := m.latCount
	if n == 0 {
		m.mu.Unlock()
		return 0, 0
	}
	buf := make([]float64, n)
	copy(buf, m.latSamplesMs[:n])
	m.mu.Unlock()

	sort.Float64s(buf)
	p50 = quantile(buf, 0.50)
	p95 = quantile(buf, 0.95)
	m.mu.Lock()
	m.p50ms, m.p95ms = p50, p95
	m.mu.Unlock()
	return
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	i := int(idx)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

// Counts returns the totals a run summary reports.
func (m *Metrics) Counts() (hits, misses, errors, retries uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheHits, m.cacheMisses, m.fetchErrors, m.retries
}

// Serve exposes /metrics (Prometheus exposition) and /debug/pprof/* on addr.
// No-op when addr is empty.
func Serve(addr string, m *Metrics) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		p50, p95 := m.SnapshotLatencies()
		m.mu.Lock()
		defer m.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP ingest_http_requests_total Total upstream requests\n")
		fmt.Fprintf(w, "# TYPE ingest_http_requests_total counter\n")
		for code, n := range m.reqTotalByCode {
			fmt.Fprintf(w, "ingest_http_requests_total{code=\"%d\"} %d\n", code, n)
		}
		fmt.Fprintf(w, "# HELP ingest_http_latency_ms_p50 50th percentile latency\n# TYPE ingest_http_latency_ms_p50 gauge\ningest_http_latency_ms_p50 %f\n", p50)
		fmt.Fprintf(w, "# HELP ingest_http_latency_ms_p95 95th percentile latency\n# TYPE ingest_http_latency_ms_p95 gauge\ningest_http_latency_ms_p95 %f\n", p95)
		fmt.Fprintf(w, "# HELP ingest_cache_lookups_total Cache lookups by outcome\n# TYPE ingest_cache_lookups_total counter\n")
		fmt.Fprintf(w, "ingest_cache_lookups_total{outcome=\"hit\"} %d\n", m.cacheHits)
		fmt.Fprintf(w, "ingest_cache_lookups_total{outcome=\"miss\"} %d\n", m.cacheMisses)
		fmt.Fprintf(w, "# HELP ingest_fetch_errors_total Unrecovered fetch errors\n# TYPE ingest_fetch_errors_total counter\ningest_fetch_errors_total %d\n", m.fetchErrors)
		fmt.Fprintf(w, "# HELP ingest_rate_limit_retries_total Backoff retries performed\n# TYPE ingest_rate_limit_retries_total counter\ningest_rate_limit_retries_total %d\n", m.retries)
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
