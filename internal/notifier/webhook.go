package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"patchwatch/internal/news"
)

type WebhookConfig struct {
	Name  string
	URL   string
	Texts Texts
}

// Webhook posts an embed-style payload to an HTTP callback (Discord webhook shape).
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

type webhookPayload struct {
	Username string         `json:"username"`
	Embeds   []webhookEmbed `json:"embeds"`
}

type webhookEmbed struct {
	Title       string        `json:"title"`
	URL         string        `json:"url"`
	Description string        `json:"description"`
	Footer      webhookFooter `json:"footer"`
}

type webhookFooter struct {
	Text string `json:"text"`
}

func NewWebhook(cfg WebhookConfig, client *http.Client) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, news.ConfigError("webhook %q: invalid url", cfg.Name)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "webhook"
	}
	if cfg.Texts.Username == "" {
		cfg.Texts.Username = DefaultUsername
	}
	if cfg.Texts.Description == "" {
		cfg.Texts.Description = DefaultWebhookDescription
	}
	if cfg.Texts.Footer == "" {
		cfg.Texts.Footer = DefaultFooter
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{cfg: cfg, client: client}, nil
}

func (w *Webhook) Name() string { return w.cfg.Name }
func (w *Webhook) Kind() Kind   { return KindWebhook }

func (w *Webhook) payload(item news.Item) webhookPayload {
	return webhookPayload{
		Username: w.cfg.Texts.Username,
		Embeds: []webhookEmbed{{
			Title:       item.Title,
			URL:         item.Link,
			Description: w.cfg.Texts.Description,
			Footer:      webhookFooter{Text: w.cfg.Texts.Footer},
		}},
	}
}

func (w *Webhook) Deliver(ctx context.Context, item news.Item) error {
	b, err := json.Marshal(w.payload(item))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook http=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}
