// Package extract turns a fetched document into at most one candidate item.
//
// Extraction is best-effort: upstream markup is not a stable contract, so a
// missing pattern yields "not found" rather than an error. Errors are reserved
// for input that cannot be parsed at all.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"patchwatch/internal/news"
	"patchwatch/internal/source"
)

const (
	DefaultMarker = "/en-us/news/"
	DefaultOrigin = "https://playvalorant.com"

	FormatHTML = "html"
	FormatFeed = "feed"
)

// Extractor is the narrow seam between fetching and the rest of the pipeline.
type Extractor interface {
	Extract(doc source.Document) (item news.Item, found bool, err error)
}

type Config struct {
	// Format selects the extractor: "html" (CSS selector) or "feed" (RSS/Atom).
	Format string
	// Marker is the substring an item link must contain.
	Marker string
	// Selector overrides the CSS selector derived from Marker (html only).
	Selector string
	// Origin resolves relative links.
	Origin string
	// NormalizeIdentity canonicalizes the item identity (see news.NormalizeIdentity).
	NormalizeIdentity bool
}

// New builds the extractor selected by cfg.Format.
func New(cfg Config) (Extractor, error) {
	if strings.TrimSpace(cfg.Origin) == "" {
		cfg.Origin = DefaultOrigin
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin))
	if err != nil || !origin.IsAbs() {
		return nil, news.ConfigError("source.origin must be an absolute URL, got %q", cfg.Origin)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatHTML:
		if strings.TrimSpace(cfg.Marker) == "" && strings.TrimSpace(cfg.Selector) == "" {
			cfg.Marker = DefaultMarker
		}
		return newSelector(cfg, origin)
	case FormatFeed:
		return newFeed(cfg, origin), nil
	default:
		return nil, news.ConfigError("unknown source.format %q (use html or feed)", cfg.Format)
	}
}

// resolveLink makes href absolute against origin. Links that already carry a
// scheme are returned as-is.
func resolveLink(origin *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty link")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return href, nil
	}
	return origin.ResolveReference(ref).String(), nil
}

func newItem(title, link string, normalize bool) news.Item {
	id := link
	if normalize {
		id = news.NormalizeIdentity(link)
	}
	return news.Item{ID: id, Title: strings.Join(strings.Fields(title), " "), Link: link}
}
