package batch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"partsguide-ingest/internal/cache"
	"partsguide-ingest/internal/fetch"
	"partsguide-ingest/internal/metrics"
)

// Processor fans one batch out across the two data sources. Each source gets
// its own concurrency limiter; the sources are not cross-limited against
// each other.
type Processor struct {
	HTTP    fetch.Adapter
	UI      fetch.Adapter
	Cache   cache.Store // nil: a fresh in-memory cache per batch
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// outcome is one source's contribution to a merged row.
type outcome struct {
	status   string
	data     string
	cacheHit bool
}

// Process launches the batch's fetches concurrently, bounded per source by
// maxConcurrency, waits for all of them, and merges. Rows sharing a target
// are coalesced into a single fetch per source, so duplicate URLs in one
// batch never hit the upstream twice. Per-row fetch failures (including
// backoff exhaustion) are isolated into status "error" so one throttled row
// cannot sink its batch siblings; cache I/O failures abort the batch.
func (p *Processor) Process(ctx context.Context, rows []Row, maxConcurrency int) ([]Row, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	store := p.Cache
	if store == nil {
		store = cache.NewMemory(0)
	}

	httpOut := p.fetchSource(ctx, store, rows, p.HTTP, "http", HTTPTarget, maxConcurrency)
	uiOut := p.fetchSource(ctx, store, rows, p.UI, "ui", UITarget, maxConcurrency)

	httpRes, err := httpOut.wait()
	if err != nil {
		uiOut.wait() // drain
		return nil, err
	}
	uiRes, err := uiOut.wait()
	if err != nil {
		return nil, err
	}

	merged := make([]Row, len(rows))
	for i, row := range rows {
		out := row.clone()
		writeOutcome(out, "http", httpRes[i])
		writeOutcome(out, "ui", uiRes[i])
		merged[i] = out
	}
	return merged, nil
}

// sourceRun collects one source's in-flight batch work.
type sourceRun struct {
	wg       *sync.WaitGroup
	outcomes []outcome
	errMu    *sync.Mutex
	firstErr *error
}

func (r sourceRun) wait() ([]outcome, error) {
	r.wg.Wait()
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if *r.firstErr != nil {
		return nil, *r.firstErr
	}
	return r.outcomes, nil
}

// fetchSource launches one goroutine per unique non-empty target, gated by
// this source's semaphore, and fans each outcome out to every row carrying
// that target.
func (p *Processor) fetchSource(
	ctx context.Context,
	store cache.Store,
	rows []Row,
	adapter fetch.Adapter,
	prefix string,
	targetOf func(Row) string,
	maxConcurrency int,
) sourceRun {
	run := sourceRun{
		wg:       &sync.WaitGroup{},
		outcomes: make([]outcome, len(rows)),
		errMu:    &sync.Mutex{},
		firstErr: new(error),
	}
	fail := func(err error) {
		run.errMu.Lock()
		if *run.firstErr == nil {
			*run.firstErr = err
		}
		run.errMu.Unlock()
	}

	byTarget := make(map[string][]int)
	for i, row := range rows {
		target := targetOf(row)
		if target == "" {
			run.outcomes[i] = outcome{status: fetch.StatusSkipped}
			continue
		}
		byTarget[target] = append(byTarget[target], i)
	}

	sem := make(chan struct{}, maxConcurrency)
	for target, indices := range byTarget {
		run.wg.Add(1)
		go func(target string, indices []int) {
			defer run.wg.Done()
			out, err := p.fetchOne(ctx, store, sem, adapter, prefix, target, rows[indices[0]])
			if err != nil {
				fail(err)
				return
			}
			for _, i := range indices {
				run.outcomes[i] = out
			}
		}(target, indices)
	}
	return run
}

// fetchOne resolves one row against one source: cache lookup, bounded fetch
// on a miss, write-through. The returned error is reserved for cache I/O and
// context cancellation; fetch failures come back as an "error" outcome.
func (p *Processor) fetchOne(
	ctx context.Context,
	store cache.Store,
	sem chan struct{},
	adapter fetch.Adapter,
	prefix, target string,
	row Row,
) (outcome, error) {
	if target == "" {
		return outcome{status: fetch.StatusSkipped}, nil
	}

	kind := prefix + ":" + target
	// Target-keyed entries collapse part identity so duplicate URLs across
	// parts fetch once.
	number, partType := URLSentinel, URLSentinel

	entry, ok, err := store.Get(ctx, number, partType, kind)
	if err != nil {
		return outcome{}, err
	}
	if ok {
		if p.Metrics != nil {
			p.Metrics.RecordCacheHit()
		}
		return outcome{status: fetch.StatusCached, data: entry.Value, cacheHit: true}, nil
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
	res, fetchErr := adapter.Fetch(ctx, target)
	<-sem

	if fetchErr != nil {
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}
		if p.Metrics != nil {
			p.Metrics.RecordFetchError()
		}
		p.Log.Warn().
			Str("source", prefix).
			Str("target", target).
			Str("part_number", PartNumber(row)).
			Bool("rate_limited", fetch.IsRateLimited(fetchErr)).
			Err(fetchErr).
			Msg("fetch.failure")
		return outcome{status: fetch.StatusError}, nil
	}

	if p.Metrics != nil {
		p.Metrics.RecordCacheMiss()
	}
	if err := store.Set(ctx, number, partType, kind, res.Data); err != nil {
		return outcome{}, err
	}
	return outcome{status: res.Status, data: res.Data}, nil
}

func writeOutcome(row Row, prefix string, out outcome) {
	row[prefix+"_status"] = out.status
	row[prefix+"_data"] = out.data
	if out.cacheHit {
		row[prefix+"_cache_hit"] = "true"
	} else {
		row[prefix+"_cache_hit"] = "false"
	}
}
