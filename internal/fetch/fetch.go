// Package fetch retrieves per-part data from the two upstream sources: the
// buyer's-guide API over plain HTTP and the informational page through a
// browser-automation command. Adapters are cache-unaware; the batch processor
// layers caching on top.
package fetch

import "context"

// Result statuses. "cached" is set by the batch processor, never by an
// adapter.
const (
	StatusOK      = "ok"
	StatusCached  = "cached"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Result is the outcome of one fetch. Data carries the raw payload text
// (JSON body, page HTML, or the mock's synthesized value).
type Result struct {
	Status string
	Data   string
}

// Adapter is one data source. An empty target returns StatusSkipped with no
// upstream call; rate limiting is retried internally with backoff before any
// error surfaces.
type Adapter interface {
	Fetch(ctx context.Context, target string) (Result, error)
}
