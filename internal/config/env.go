package config

import (
	"strconv"
	"strings"

	"patchwatch/internal/news"
)

// Environment keys. They override the file and append destinations after the
// configured list: primary, fallback, webhook.
const (
	EnvSourceURL       = "SOURCE_URL"
	EnvCheckInterval   = "CHECK_INTERVAL_SECONDS"
	EnvTelegramToken   = "TELEGRAM_TOKEN"
	EnvBotToken        = "BOT_TOKEN"
	EnvTargetChannel   = "TARGET_CHANNEL_ID"
	EnvFallbackChannel = "FALLBACK_CHANNEL_ID"
	EnvWebhook         = "WEBHOOK"
	EnvWebhookURL      = "WEBHOOK_URL"
	EnvStateFile       = "STATE_FILE"
	EnvLogLevel        = "LOG_LEVEL"
)

// ApplyEnv overlays environment settings onto cfg. getenv is usually
// os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v
			}
		}
		return ""
	}

	if v := get(EnvSourceURL); v != "" {
		cfg.Source.URL = v
	}
	if v := get(EnvCheckInterval); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return news.ConfigError("%s must be a positive number of seconds, got %q", EnvCheckInterval, v)
		}
		cfg.Schedule.Every = strconv.Itoa(n) + "s"
	}
	if v := get(EnvTelegramToken, EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get(EnvStateFile); v != "" {
		cfg.State.Path = v
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	for _, ch := range []struct{ key, name string }{
		{EnvTargetChannel, "primary"},
		{EnvFallbackChannel, "fallback"},
	} {
		v := get(ch.key)
		if v == "" {
			continue
		}
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id == 0 {
			return news.ConfigError("%s must be a numeric chat id, got %q", ch.key, v)
		}
		cfg.Destinations = append(cfg.Destinations, DestinationConfig{Name: ch.name, Kind: "channel", ChatID: id})
	}
	if v := get(EnvWebhook, EnvWebhookURL); v != "" {
		cfg.Destinations = append(cfg.Destinations, DestinationConfig{Name: "webhook", Kind: "webhook", URL: v})
	}
	return nil
}
