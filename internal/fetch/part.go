package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"partsguide-ingest/internal/cache"
)

// Cache kinds for the single-part lookup path. The bulk pipeline uses
// target-scoped kinds instead (see internal/batch).
const (
	KindBuyerGuide = "buyer_guide_api"
	KindInfoHTML   = "info_page_html"
	KindInfoDesc   = "info_page_description"
)

type BuyerGuide struct {
	Payload map[string]json.RawMessage
}

type InfoPage struct {
	HTML        string
	Description string
}

// FetchBuyerGuide returns the buyer's-guide API payload for one part,
// consulting the cache first and writing through on a miss.
func FetchBuyerGuide(ctx context.Context, store cache.Store, a Adapter, number, partType, apiURL string) (BuyerGuide, error) {
	if entry, ok, err := store.Get(ctx, number, partType, KindBuyerGuide); err != nil {
		return BuyerGuide{}, err
	} else if ok {
		return parseBuyerGuide(entry.Value)
	}

	res, err := a.Fetch(ctx, apiURL)
	if err != nil {
		return BuyerGuide{}, err
	}
	if res.Status != StatusOK {
		return BuyerGuide{}, fmt.Errorf("buyer guide fetch: status %q", res.Status)
	}
	guide, err := parseBuyerGuide(res.Data)
	if err != nil {
		return BuyerGuide{}, err
	}
	if err := store.Set(ctx, number, partType, KindBuyerGuide, res.Data); err != nil {
		return BuyerGuide{}, err
	}
	return guide, nil
}

func parseBuyerGuide(raw string) (BuyerGuide, error) {
	payload := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return BuyerGuide{}, fmt.Errorf("buyer guide payload parse: %w", err)
	}
	return BuyerGuide{Payload: payload}, nil
}

// FetchInfoPage returns the informational page for one part, plus its meta
// description. HTML and description are cached under separate kinds; the
// page is only refetched when either is missing or expired.
func FetchInfoPage(ctx context.Context, store cache.Store, a Adapter, number, partType, infoURL string) (InfoPage, error) {
	htmlEntry, htmlOK, err := store.Get(ctx, number, partType, KindInfoHTML)
	if err != nil {
		return InfoPage{}, err
	}
	descEntry, descOK, err := store.Get(ctx, number, partType, KindInfoDesc)
	if err != nil {
		return InfoPage{}, err
	}
	if htmlOK && descOK {
		return InfoPage{HTML: htmlEntry.Value, Description: descEntry.Value}, nil
	}

	res, err := a.Fetch(ctx, infoURL)
	if err != nil {
		return InfoPage{}, err
	}
	if res.Status != StatusOK {
		return InfoPage{}, fmt.Errorf("info page fetch: status %q", res.Status)
	}
	desc := ParseDescription(res.Data)
	if err := store.Set(ctx, number, partType, KindInfoHTML, res.Data); err != nil {
		return InfoPage{}, err
	}
	if err := store.Set(ctx, number, partType, KindInfoDesc, desc); err != nil {
		return InfoPage{}, err
	}
	return InfoPage{HTML: res.Data, Description: desc}, nil
}

// ParseDescription extracts <meta name="description" content="..."> from a
// page, matching the name attribute case-insensitively. Returns "" when the
// tag is absent or the document fails to parse.
func ParseDescription(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	desc := ""
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if strings.EqualFold(strings.TrimSpace(name), "description") {
			desc, _ = s.Attr("content")
			return false
		}
		return true
	})
	return desc
}
