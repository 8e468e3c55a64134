// Package runner drives a bulk run: batches the input CSV, hands each batch
// to the processor, appends merged rows, and advances the checkpoint after
// every flushed batch.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"partsguide-ingest/internal/batch"
	"partsguide-ingest/internal/cache"
	"partsguide-ingest/internal/checkpoint"
	"partsguide-ingest/internal/csvio"
	"partsguide-ingest/internal/fetch"
	"partsguide-ingest/internal/metrics"
)

type Options struct {
	InputCSV  string
	OutputCSV string

	BatchSize      int
	MaxConcurrency int
	Resume         bool

	HTTP fetch.Adapter
	UI   fetch.Adapter

	// Cache is the durable store; nil means each batch gets its own
	// ephemeral in-memory cache.
	Cache       cache.Store
	Checkpoints *checkpoint.Manager
	Metrics     *metrics.Metrics
	Log         zerolog.Logger

	// LockTTL bounds how long a dead run's output lock survives.
	// Zero disables locking (single-part and test paths).
	LockTTL time.Duration
}

type Summary struct {
	Rows        int
	Batches     int
	SkipRows    int
	CacheHits   uint64
	CacheMisses uint64
	FetchErrors uint64
	Duration    time.Duration
}

// Run processes the whole input. Checkpoint and output I/O failures are
// fatal and abort with the error; per-row fetch failures are already
// isolated by the processor.
func Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	log := opts.Log

	skipRows := 0
	if opts.Resume {
		cp, ok, err := opts.Checkpoints.Load()
		if err != nil {
			return Summary{}, err
		}
		switch {
		case ok && cp.InputCSV == opts.InputCSV:
			skipRows = cp.LastRowIndex + 1
			log.Info().Int("skip_rows", skipRows).Str("input_csv", cp.InputCSV).Msg("checkpoint.resume")
		case ok:
			log.Warn().Str("checkpoint_input", cp.InputCSV).Str("input_csv", opts.InputCSV).
				Msg("checkpoint.ignored")
		default:
			log.Info().Msg("checkpoint.absent")
		}
	}

	if opts.LockTTL > 0 {
		lock, err := AcquireLock(opts.OutputCSV+".lock", opts.LockTTL)
		if err != nil {
			return Summary{}, err
		}
		defer lock.Release()
	}

	inputHeader, err := csvio.ReadHeader(opts.InputCSV)
	if err != nil {
		return Summary{}, err
	}
	if len(inputHeader) == 0 {
		return Summary{}, fmt.Errorf("input %s: missing header row", opts.InputCSV)
	}

	proc := &batch.Processor{
		HTTP:    opts.HTTP,
		UI:      opts.UI,
		Cache:   opts.Cache,
		Metrics: opts.Metrics,
		Log:     log,
	}

	log.Info().
		Str("input_csv", opts.InputCSV).
		Str("output_csv", opts.OutputCSV).
		Int("batch_size", opts.BatchSize).
		Int("max_concurrency", opts.MaxConcurrency).
		Int("skip_rows", skipRows).
		Msg("run.start")

	var outputHeader []string
	summary := Summary{SkipRows: skipRows}

	err = csvio.EachBatch(opts.InputCSV, opts.BatchSize, skipRows, func(batchStart int, rows []batch.Row) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if outputHeader == nil {
			h, err := csvio.EnsureOutputSchema(opts.OutputCSV, inputHeader, batch.ExtraFields)
			if err != nil {
				return err
			}
			outputHeader = h
		}

		batchT0 := time.Now()
		merged, err := proc.Process(ctx, rows, opts.MaxConcurrency)
		if err != nil {
			return err
		}
		if err := csvio.AppendRows(opts.OutputCSV, outputHeader, merged); err != nil {
			return err
		}

		lastIndex := batchStart + len(rows) - 1
		if err := opts.Checkpoints.Save(checkpoint.Checkpoint{
			InputCSV:     opts.InputCSV,
			OutputCSV:    opts.OutputCSV,
			LastRowIndex: lastIndex,
			UpdatedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}

		summary.Rows += len(rows)
		summary.Batches++
		log.Info().
			Int("batch_start", batchStart).
			Int("rows", len(rows)).
			Int("last_row_index", lastIndex).
			Dur("duration", time.Since(batchT0)).
			Msg("batch.done")
		return nil
	})
	if err != nil {
		return summary, err
	}

	summary.Duration = time.Since(start)
	if opts.Metrics != nil {
		summary.CacheHits, summary.CacheMisses, summary.FetchErrors, _ = opts.Metrics.Counts()
	}
	log.Info().
		Int("rows", summary.Rows).
		Int("batches", summary.Batches).
		Uint64("cache_hits", summary.CacheHits).
		Uint64("cache_misses", summary.CacheMisses).
		Uint64("fetch_errors", summary.FetchErrors).
		Dur("duration", summary.Duration).
		Msg("run.summary")
	return summary, nil
}
