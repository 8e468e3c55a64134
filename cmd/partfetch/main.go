// partfetch looks up one part: its buyer's-guide API payload and the meta
// description of its informational page, through the same cache the bulk
// pipeline uses.
//
// Usage:
//
//	partfetch [flags] part_number part_type buyer_guide_url info_page_url
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"partsguide-ingest/internal/backoff"
	"partsguide-ingest/internal/cache"
	"partsguide-ingest/internal/config"
	"partsguide-ingest/internal/fetch"
	"partsguide-ingest/internal/logging"
)

func main() {
	cacheDir := flag.String("cache-dir", config.EnvString("CACHE_DIR", ".cache"), "Directory for the cache database. Env: CACHE_DIR")
	cacheTTL := flag.Int("cache-ttl", config.EnvInt("CACHE_TTL", 86400), "Cache TTL in seconds. Env: CACHE_TTL")
	cacheClear := flag.Bool("cache-clear", false, "Clear all cached entries before fetching.")
	useBrowser := flag.Bool("use-browser", false, "Fetch the info page through the browser-automation command instead of a direct request.")
	browserCmd := flag.String("browser-cmd", config.EnvString("BROWSER_CMD", "chromium --headless --dump-dom"), "Browser-automation command for -use-browser. Env: BROWSER_CMD")
	jsonLogs := flag.Bool("json-logs", config.EnvBool("JSON_LOGS", false), "Emit JSON log lines. Env: JSON_LOGS")
	flag.Parse()

	if flag.NArg() != 4 {
		fmt.Fprintln(os.Stderr, "usage: partfetch [flags] part_number part_type buyer_guide_url info_page_url")
		os.Exit(2)
	}
	number, partType := flag.Arg(0), flag.Arg(1)
	guideURL, infoURL := flag.Arg(2), flag.Arg(3)

	log := logging.New(*jsonLogs, "info")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.NewSQLite(*cacheDir, time.Duration(*cacheTTL)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("cache.init")
	}
	defer store.Close()
	if *cacheClear {
		if err := store.Clear(ctx); err != nil {
			log.Fatal().Err(err).Msg("cache.clear")
		}
	}
	if _, err := store.PruneExpired(ctx); err != nil {
		log.Fatal().Err(err).Msg("cache.prune")
	}

	exec := backoff.Default()
	httpAdapter := fetch.NewHTTPAdapter(fetch.HTTPAdapterOptions{Backoff: exec})

	var infoAdapter fetch.Adapter = httpAdapter
	if *useBrowser {
		infoAdapter, err = fetch.NewBrowserAdapter(fetch.BrowserAdapterOptions{
			Command: strings.Fields(*browserCmd),
			Backoff: exec,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("browser adapter init")
		}
	}

	guide, err := fetch.FetchBuyerGuide(ctx, store, httpAdapter, number, partType, guideURL)
	if err != nil {
		log.Fatal().Err(err).Str("part_number", number).Msg("buyer guide fetch")
	}
	info, err := fetch.FetchInfoPage(ctx, store, infoAdapter, number, partType, infoURL)
	if err != nil {
		log.Fatal().Err(err).Str("part_number", number).Msg("info page fetch")
	}

	keys := make([]string, 0, len(guide.Payload))
	for k := range guide.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("Buyer guide payload keys:", strings.Join(keys, ", "))
	fmt.Println("Info page description:", info.Description)
}
