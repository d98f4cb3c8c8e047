package extract

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"patchwatch/internal/news"
	"patchwatch/internal/source"
)

// selectorExtractor picks the first element matching a CSS selector and reads
// its text and href.
type selectorExtractor struct {
	sel       cascadia.Selector
	raw       string
	origin    *url.URL
	normalize bool
}

func newSelector(cfg Config, origin *url.URL) (*selectorExtractor, error) {
	raw := strings.TrimSpace(cfg.Selector)
	if raw == "" {
		raw = MarkerSelector(cfg.Marker)
	}
	sel, err := cascadia.Compile(raw)
	if err != nil {
		return nil, news.ConfigError("source.selector %q: %v", raw, err)
	}
	return &selectorExtractor{sel: sel, raw: raw, origin: origin, normalize: cfg.NormalizeIdentity}, nil
}

// MarkerSelector returns the anchor selector matching hrefs that contain marker.
func MarkerSelector(marker string) string {
	m := strings.ReplaceAll(strings.TrimSpace(marker), `'`, `\'`)
	return "a[href*='" + m + "']"
}

func (e *selectorExtractor) Extract(doc source.Document) (news.Item, bool, error) {
	if !utf8.Valid(doc.Body) {
		return news.Item{}, false, news.ParseError(nil, "content from %s is not valid UTF-8", doc.URL)
	}
	if len(bytes.TrimSpace(doc.Body)) == 0 {
		return news.Item{}, false, nil
	}

	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return news.Item{}, false, news.ParseError(err, "parse html from %s", doc.URL)
	}

	node := d.FindMatcher(e.sel).First()
	if node.Length() == 0 {
		return news.Item{}, false, nil
	}
	href, ok := node.Attr("href")
	if !ok {
		return news.Item{}, false, nil
	}
	link, err := resolveLink(e.origin, href)
	if err != nil {
		// A broken href on the page is a markup problem, not malformed input.
		return news.Item{}, false, nil
	}

	it := newItem(node.Text(), link, e.normalize)
	if !it.Valid() {
		return news.Item{}, false, nil
	}
	return it, true, nil
}
