// Package source retrieves the raw page the pipeline watches.
package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"patchwatch/internal/news"
)

const (
	DefaultURL       = "https://playvalorant.com/en-us/news/tags/patch-notes/"
	DefaultUserAgent = "patchwatch/1.0 (+https://github.com/patchwatch)"
	defaultMaxBytes  = 4 << 20
)

// Document is the fetched body, already decoded to UTF-8.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

type Config struct {
	URL       string
	UserAgent string
	// Timeout bounds a single Fetch on top of the client's own timeout.
	// 0 keeps only the client timeout.
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher performs exactly one GET per Fetch call. It never retries; the
// scheduler's next cycle is the retry.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New returns a Fetcher using the injected client. A nil client falls back to
// a 15s-timeout client so a fetch can never hang forever.
func New(cfg Config, client *http.Client) *Fetcher {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{cfg: cfg, client: client}
}

func (f *Fetcher) URL() string { return f.cfg.URL }

func (f *Fetcher) Fetch(ctx context.Context) (Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, http.NoBody)
	if err != nil {
		return Document{}, news.FetchError(err, "build request for %s", f.cfg.URL)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/rss+xml,application/atom+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, news.FetchError(err, "get %s", f.cfg.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Document{}, news.FetchError(nil, "get %s: http status %d", f.cfg.URL, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return Document{}, news.FetchError(err, "read body of %s", f.cfg.URL)
	}

	ct := resp.Header.Get("Content-Type")
	body, err := toUTF8(raw, ct)
	if err != nil {
		return Document{}, news.ParseError(err, "decode body of %s (content-type %q)", f.cfg.URL, ct)
	}
	return Document{URL: f.cfg.URL, ContentType: ct, Body: body, FetchedAt: time.Now()}, nil
}

func toUTF8(raw []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
