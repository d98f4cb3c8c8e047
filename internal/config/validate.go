package config

import (
	"net/url"
	"strings"

	"patchwatch/internal/news"
)

type Mode int

const (
	// ModeContinuous is the long-running bot.
	ModeContinuous Mode = iota
	// ModeOnce runs a single cycle and never fails on missing destinations.
	ModeOnce
)

func (m Mode) String() string {
	if m == ModeOnce {
		return "once"
	}
	return "continuous"
}

// Validate checks cfg for mode. All errors are marked news.ErrConfig.
func (c *Config) Validate(mode Mode) error {
	u, err := url.Parse(strings.TrimSpace(c.Source.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return news.ConfigError("source.url must be an http(s) URL, got %q", c.Source.URL)
	}
	switch strings.ToLower(strings.TrimSpace(c.Source.Format)) {
	case "", "html", "feed":
	default:
		return news.ConfigError("source.format must be html or feed, got %q", c.Source.Format)
	}
	if c.Source.MaxBytes < 0 {
		return news.ConfigError("source.max_bytes must be >= 0")
	}

	for path, raw := range map[string]string{
		"source.timeout":               c.Source.Timeout,
		"schedule.failure_backoff":     c.Schedule.FailureBackoff,
		"schedule.failure_backoff_max": c.Schedule.FailureBackoffMax,
		"schedule.cycle_timeout":       c.Schedule.CycleTimeout,
		"state.busy_timeout":           c.State.BusyTimeout,
		"telegram.poll_timeout":        c.Telegram.PollTimeout,
		"notify.timeout":               c.Notify.Timeout,
	} {
		if _, err := DurationOr(path, raw, 0); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Schedule.Every) == "" {
		return news.ConfigError("schedule.every is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.State.Driver)) {
	case "", "file", "sqlite", "sqlite3", "memory":
	default:
		return news.ConfigError("state.driver must be file, sqlite or memory, got %q", c.State.Driver)
	}

	channels := 0
	for i, d := range c.Destinations {
		switch strings.ToLower(strings.TrimSpace(d.Kind)) {
		case "channel":
			if d.ChatID == 0 {
				return news.ConfigError("destinations[%d]: channel needs chat_id", i)
			}
			switch strings.ToLower(strings.TrimSpace(d.Threads)) {
			case "", "auto", "always", "never":
			default:
				return news.ConfigError("destinations[%d]: threads must be auto, always or never", i)
			}
			channels++
		case "webhook":
			if strings.TrimSpace(d.URL) == "" {
				return news.ConfigError("destinations[%d]: webhook needs url", i)
			}
		default:
			return news.ConfigError("destinations[%d]: unknown kind %q (use channel or webhook)", i, d.Kind)
		}
	}

	if mode == ModeContinuous {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return news.ConfigError("telegram token is required (set %s or telegram.token)", EnvTelegramToken)
		}
		if channels == 0 {
			return news.ConfigError("at least one channel destination is required (set %s or destinations)", EnvTargetChannel)
		}
	}
	return nil
}
