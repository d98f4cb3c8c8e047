package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"patchwatch/internal/news"
	"patchwatch/internal/source"
)

// feedExtractor reads RSS/Atom/JSON feeds and returns the first entry (or the
// first whose link contains the marker, when one is configured).
type feedExtractor struct {
	marker    string
	origin    *url.URL
	normalize bool
}

func newFeed(cfg Config, origin *url.URL) *feedExtractor {
	return &feedExtractor{marker: strings.TrimSpace(cfg.Marker), origin: origin, normalize: cfg.NormalizeIdentity}
}

func (e *feedExtractor) Extract(doc source.Document) (news.Item, bool, error) {
	if len(bytes.TrimSpace(doc.Body)) == 0 {
		return news.Item{}, false, nil
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(doc.Body))
	if err != nil {
		return news.Item{}, false, news.ParseError(err, "parse feed from %s", doc.URL)
	}

	for _, entry := range feed.Items {
		if entry == nil {
			continue
		}
		href := strings.TrimSpace(entry.Link)
		if href == "" && len(entry.Links) > 0 {
			href = strings.TrimSpace(entry.Links[0])
		}
		if href == "" {
			continue
		}
		if e.marker != "" && !strings.Contains(href, e.marker) {
			continue
		}
		link, err := resolveLink(e.origin, href)
		if err != nil {
			continue
		}
		it := newItem(entry.Title, link, e.normalize)
		if it.Valid() {
			return it, true, nil
		}
	}
	return news.Item{}, false, nil
}
