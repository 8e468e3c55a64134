// Package batch runs bounded-concurrency fetches for one batch of input
// rows across both data sources and merges the outcomes per row.
package batch

// Row is one CSV record: field name to string value. Input rows are never
// mutated; results are merged into fresh rows.
type Row map[string]string

// ExtraFields are appended to the input schema, in this order, by every run.
var ExtraFields = []string{
	"http_status",
	"http_data",
	"http_cache_hit",
	"ui_status",
	"ui_data",
	"ui_cache_hit",
}

// URLSentinel replaces the part identity in cache keys when a row carries an
// explicit target, so rows with different parts but the same URL share one
// cache entry.
const URLSentinel = "__url__"

func firstNonEmpty(row Row, keys ...string) string {
	for _, k := range keys {
		if v := row[k]; v != "" {
			return v
		}
	}
	return ""
}

// HTTPTarget returns the direct-request URL for a row, if any.
func HTTPTarget(row Row) string {
	return firstNonEmpty(row, "http_url", "url")
}

// UITarget returns the browser-automation query for a row, if any.
func UITarget(row Row) string {
	return firstNonEmpty(row, "ui_query", "query")
}

// PartNumber falls back across the identity column synonyms seen in supplier
// exports.
func PartNumber(row Row) string {
	return firstNonEmpty(row, "part_number", "input_part_number", "skp_number", "interchange_number")
}

func PartType(row Row) string {
	return row["part_type"]
}

func (r Row) clone() Row {
	out := make(Row, len(r)+len(ExtraFields))
	for k, v := range r {
		out[k] = v
	}
	return out
}
