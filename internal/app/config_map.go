package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"patchwatch/internal/config"
	"patchwatch/internal/extract"
	"patchwatch/internal/news"
	"patchwatch/internal/notifier"
	"patchwatch/internal/scheduler"
	"patchwatch/internal/source"
	"patchwatch/internal/storage"
	kit "patchwatch/internal/transport"
	"patchwatch/internal/transport/telegram"
	logx "patchwatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			// Without a log chat there is nowhere to forward to.
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0 && cfg.Telegram.Token != "",
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.State.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.State.Path)
	if path == "" {
		path = config.DefaultStatePath
	}
	busy, err := config.DurationOr("state.busy_timeout", cfg.State.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	timeout, err := config.DurationOr("source.timeout", cfg.Source.Timeout, 15*time.Second)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		URL:       strings.TrimSpace(cfg.Source.URL),
		UserAgent: cfg.Source.UserAgent,
		Timeout:   timeout,
		MaxBytes:  cfg.Source.MaxBytes,
	}, nil
}

func mapExtractConfig(cfg *config.Config) extract.Config {
	return extract.Config{
		Format:            cfg.Source.Format,
		Marker:            cfg.Source.Marker,
		Selector:          cfg.Source.Selector,
		Origin:            cfg.Source.Origin,
		NormalizeIdentity: cfg.Source.NormalizeIdentity,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Schedule
	sched, err := scheduler.ParseSchedule(sc.Every, sc.Timezone)
	if err != nil {
		return scheduler.Config{}, news.ConfigError("schedule.every: %v", err)
	}
	backoff, err := config.DurationOr("schedule.failure_backoff", sc.FailureBackoff, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	backoffMax, err := config.DurationOr("schedule.failure_backoff_max", sc.FailureBackoffMax, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	cycleTimeout, err := config.DurationOr("schedule.cycle_timeout", sc.CycleTimeout, scheduler.DefaultCycleTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Schedule:          sched,
		FailureBackoff:    backoff,
		FailureBackoffMax: backoffMax,
		CycleTimeout:      cycleTimeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.DurationOr("notify.timeout", cfg.Notify.Timeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:  cfg.Notify.RatePerSec,
		Timeout:     timeout,
		HistorySize: cfg.Notify.HistorySize,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  poll,
		LogChatID:    cfg.Telegram.LogChatID,
		LogThreadID:  cfg.Telegram.LogThreadID,
		AllowedUsers: cfg.Telegram.AllowedUsers,
	}, nil
}

// destinationSpecs maps the configured destinations in priority order. With
// channels false, channel destinations are skipped (no chat credential).
func destinationSpecs(cfg *config.Config, channels bool) []notifier.Spec {
	t := cfg.Texts
	out := make([]notifier.Spec, 0, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		kind := notifier.Kind(strings.ToLower(strings.TrimSpace(d.Kind)))
		if kind == notifier.KindChannel && !channels {
			continue
		}
		name := strings.TrimSpace(d.Name)
		if name == "" {
			name = string(kind) + "#" + strconv.Itoa(i)
		}
		sp := notifier.Spec{
			Name:    name,
			Kind:    kind,
			ChatID:  d.ChatID,
			Threads: notifier.ThreadMode(strings.ToLower(strings.TrimSpace(d.Threads))),
			URL:     strings.TrimSpace(d.URL),
			Texts:   notifier.Texts{Username: t.Username, Footer: t.Footer},
		}
		if kind == notifier.KindWebhook {
			sp.Texts.Description = t.WebhookDescription
		} else {
			sp.Texts.Description = t.ChannelDescription
		}
		out = append(out, sp)
	}
	return out
}

// components is the reloadable part of the wiring: everything a config change
// to source, destinations, notify, texts or schedule can replace.
type components struct {
	fetcher   *source.Fetcher
	extractor extract.Extractor
	dests     []notifier.Destination
	notify    notifier.Config
	schedule  scheduler.Config
}

func buildComponents(cfg *config.Config, adapter kit.Adapter, client *http.Client, log logx.Logger) (components, error) {
	var c components
	sc, err := mapSourceConfig(cfg)
	if err != nil {
		return c, err
	}
	c.fetcher = source.New(sc, client)
	if c.extractor, err = extract.New(mapExtractConfig(cfg)); err != nil {
		return c, err
	}
	if c.notify, err = mapNotifierConfig(cfg); err != nil {
		return c, err
	}
	if c.schedule, err = mapSchedulerConfig(cfg); err != nil {
		return c, err
	}
	if c.dests, err = notifier.Build(destinationSpecs(cfg, adapter != nil), adapter, client, log.With(logx.String("comp", "notifier"))); err != nil {
		return c, err
	}
	return c, nil
}
