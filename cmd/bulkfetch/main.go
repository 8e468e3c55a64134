// bulkfetch enriches a CSV of automotive parts with buyer's-guide API
// payloads and informational-page data, fetched through two independent
// sources with durable caching, rate-limit backoff, and resumable
// whole-batch checkpoints.
//
// Usage:
//
//	bulkfetch [flags] input.csv output.csv
//
// Configuration layering: flags override environment variables, which
// override the optional YAML file named by -config / CONFIG_FILE.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"partsguide-ingest/internal/backoff"
	"partsguide-ingest/internal/cache"
	"partsguide-ingest/internal/checkpoint"
	"partsguide-ingest/internal/config"
	"partsguide-ingest/internal/fetch"
	"partsguide-ingest/internal/logging"
	"partsguide-ingest/internal/metrics"
	"partsguide-ingest/internal/runner"
)

const lockTTL = 10 * time.Minute

type cliConfig struct {
	batchSize      int
	maxConcurrency int
	checkpointDir  string
	cacheDir       string
	cacheTTLSecs   int
	cachePGDSN     string
	resume         bool
	cacheClear     bool
	metricsAddr    string

	httpAdapter string
	uiAdapter   string
	browserCmd  string
	userAgent   string

	maxRetries  int
	baseDelayMs int
	maxDelayMs  int
	jitter      float64

	jsonLogs bool
	logLevel string
}

func parseFlags() (cliConfig, string, string) {
	file, err := config.Load(config.PathFromArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var cfg cliConfig
	flag.String("config", "", "YAML config file. Env: CONFIG_FILE")

	flag.IntVar(&cfg.batchSize, "batch-size", config.EnvInt("BATCH_SIZE", config.OrInt(file.BatchSize, 200)), "Rows per batch. Env: BATCH_SIZE")
	flag.IntVar(&cfg.maxConcurrency, "max-concurrency", config.EnvInt("MAX_CONCURRENCY", config.OrInt(file.MaxConcurrency, 10)), "In-flight fetches per data source. Env: MAX_CONCURRENCY")
	flag.StringVar(&cfg.checkpointDir, "checkpoint-dir", config.EnvString("CHECKPOINT_DIR", config.OrString(file.CheckpointDir, "output/checkpoints")), "Checkpoint directory. Env: CHECKPOINT_DIR")
	flag.StringVar(&cfg.cacheDir, "cache-dir", config.EnvString("CACHE_DIR", config.OrString(file.CacheDir, "output/cache")), "Durable cache directory; empty disables the durable cache. Env: CACHE_DIR")
	flag.IntVar(&cfg.cacheTTLSecs, "cache-ttl", config.EnvInt("CACHE_TTL", config.OrInt(file.CacheTTLSecs, 86400)), "Cache TTL in seconds. Env: CACHE_TTL")
	flag.StringVar(&cfg.cachePGDSN, "cache-pg-dsn", config.EnvString("CACHE_PG_DSN", file.CachePGDSN), "Postgres DSN for a shared cache (overrides -cache-dir). Env: CACHE_PG_DSN")
	flag.BoolVar(&cfg.resume, "resume", config.EnvBool("RESUME", false), "Resume from the latest checkpoint if the input matches. Env: RESUME")
	flag.BoolVar(&cfg.cacheClear, "cache-clear", false, "Clear all cached entries before the run.")
	flag.StringVar(&cfg.metricsAddr, "metrics", config.EnvString("METRICS_ADDR", file.MetricsAddr), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")

	flag.StringVar(&cfg.httpAdapter, "http-adapter", config.EnvString("HTTP_ADAPTER", config.OrString(file.HTTPAdapter, "http")), "Direct-request source: http|mock. Env: HTTP_ADAPTER")
	flag.StringVar(&cfg.uiAdapter, "ui-adapter", config.EnvString("UI_ADAPTER", config.OrString(file.UIAdapter, "mock")), "UI source: browser|mock. Env: UI_ADAPTER")
	flag.StringVar(&cfg.browserCmd, "browser-cmd", config.EnvString("BROWSER_CMD", file.BrowserCommand), "Browser-automation command for -ui-adapter=browser, e.g. \"chromium --headless --dump-dom\". Env: BROWSER_CMD")
	flag.StringVar(&cfg.userAgent, "user-agent", config.EnvString("HTTP_USER_AGENT", config.OrString(file.UserAgent, "partsguide-ingest/1.0")), "User-Agent for direct requests. Env: HTTP_USER_AGENT")

	flag.IntVar(&cfg.maxRetries, "max-retries", config.EnvInt("MAX_RETRIES", config.OrInt(file.Backoff.MaxRetries, 5)), "Backoff retries on rate limiting. Env: MAX_RETRIES")
	flag.IntVar(&cfg.baseDelayMs, "base-delay-ms", config.EnvInt("BASE_DELAY_MS", config.OrInt(file.Backoff.BaseDelayMs, 500)), "Backoff base delay in ms. Env: BASE_DELAY_MS")
	flag.IntVar(&cfg.maxDelayMs, "max-delay-ms", config.EnvInt("MAX_DELAY_MS", config.OrInt(file.Backoff.MaxDelayMs, 10000)), "Backoff delay cap in ms. Env: MAX_DELAY_MS")
	flag.Float64Var(&cfg.jitter, "jitter", config.EnvFloat("BACKOFF_JITTER", config.OrFloat(file.Backoff.Jitter, 0.1)), "Backoff jitter fraction. Env: BACKOFF_JITTER")

	flag.BoolVar(&cfg.jsonLogs, "json-logs", config.EnvBool("JSON_LOGS", file.Log.JSON), "Emit JSON log lines instead of console format. Env: JSON_LOGS")
	flag.StringVar(&cfg.logLevel, "log-level", config.EnvString("LOG_LEVEL", config.OrString(file.Log.Level, "info")), "Log level. Env: LOG_LEVEL")

	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: bulkfetch [flags] input.csv output.csv")
		os.Exit(2)
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = 1
	}
	if cfg.maxConcurrency <= 0 {
		cfg.maxConcurrency = 1
	}
	return cfg, flag.Arg(0), flag.Arg(1)
}

func main() {
	cfg, inputCSV, outputCSV := parseFlags()
	log := logging.New(cfg.jsonLogs, cfg.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(256)
	metrics.Serve(cfg.metricsAddr, m)

	exec := backoff.Executor{
		MaxRetries: cfg.maxRetries,
		BaseDelay:  time.Duration(cfg.baseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.maxDelayMs) * time.Millisecond,
		Jitter:     cfg.jitter,
	}

	store := openCache(ctx, cfg, log)
	if store != nil {
		defer store.Close()
		if cfg.cacheClear {
			if err := store.Clear(ctx); err != nil {
				log.Fatal().Err(err).Msg("cache.clear")
			}
			log.Info().Msg("cache.cleared")
		}
		if n, err := store.PruneExpired(ctx); err != nil {
			log.Fatal().Err(err).Msg("cache.prune")
		} else if n > 0 {
			log.Info().Int64("pruned", n).Msg("cache.pruned")
		}
	}

	checkpoints, err := checkpoint.NewManager(cfg.checkpointDir)
	if err != nil {
		log.Fatal().Err(err).Msg("checkpoint.init")
	}

	summary, err := runner.Run(ctx, runner.Options{
		InputCSV:       inputCSV,
		OutputCSV:      outputCSV,
		BatchSize:      cfg.batchSize,
		MaxConcurrency: cfg.maxConcurrency,
		Resume:         cfg.resume,
		HTTP:           buildHTTPAdapter(cfg, exec, m),
		UI:             buildUIAdapter(cfg, exec, log),
		Cache:          store,
		Checkpoints:    checkpoints,
		Metrics:        m,
		Log:            log,
		LockTTL:        lockTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("run.failed")
	}

	fmt.Printf("rows=%d batches=%d skipped=%d cache_hits=%d cache_misses=%d fetch_errors=%d duration=%0.2fs\n",
		summary.Rows, summary.Batches, summary.SkipRows,
		summary.CacheHits, summary.CacheMisses, summary.FetchErrors,
		summary.Duration.Seconds())
}

// openCache picks the durable cache backend: Postgres when a DSN is set,
// SQLite under -cache-dir otherwise, none when both are empty (each batch
// then runs with an ephemeral in-memory cache).
func openCache(ctx context.Context, cfg cliConfig, log zerolog.Logger) cache.Store {
	ttl := time.Duration(cfg.cacheTTLSecs) * time.Second
	if dsn := strings.TrimSpace(cfg.cachePGDSN); dsn != "" {
		store, err := cache.NewPostgres(ctx, cache.PostgresOptions{DSN: dsn}, ttl)
		if err != nil {
			log.Fatal().Err(err).Msg("cache.init")
		}
		return store
	}
	if dir := strings.TrimSpace(cfg.cacheDir); dir != "" {
		store, err := cache.NewSQLite(dir, ttl)
		if err != nil {
			log.Fatal().Err(err).Msg("cache.init")
		}
		return store
	}
	return nil
}

func buildHTTPAdapter(cfg cliConfig, exec backoff.Executor, m *metrics.Metrics) fetch.Adapter {
	switch strings.ToLower(strings.TrimSpace(cfg.httpAdapter)) {
	case "mock":
		return &fetch.MockAdapter{Prefix: "http", Backoff: exec}
	default:
		return fetch.NewHTTPAdapter(fetch.HTTPAdapterOptions{
			UserAgent: cfg.userAgent,
			Timeout:   25 * time.Second,
			Backoff:   exec,
			Metrics:   m,
		})
	}
}

func buildUIAdapter(cfg cliConfig, exec backoff.Executor, log zerolog.Logger) fetch.Adapter {
	switch strings.ToLower(strings.TrimSpace(cfg.uiAdapter)) {
	case "browser":
		a, err := fetch.NewBrowserAdapter(fetch.BrowserAdapterOptions{
			Command: strings.Fields(cfg.browserCmd),
			Backoff: exec,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("ui adapter init")
		}
		return a
	default:
		return &fetch.MockAdapter{Prefix: "ui", Backoff: exec}
	}
}
