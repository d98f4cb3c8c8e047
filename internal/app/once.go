package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"patchwatch/internal/config"
	"patchwatch/internal/news"
	"patchwatch/internal/notifier"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/scheduler"
	"patchwatch/internal/storage"
	kit "patchwatch/internal/transport"
	"patchwatch/internal/transport/telegram"
	logx "patchwatch/pkg/logx"
)

// RunOnce runs exactly one cycle for externally scheduled invocations.
//
// Only configuration errors are returned. Every other failure, a missing
// destination or an unreadable state store included, is logged and folded
// into the cycle outcome.
func RunOnce(ctx context.Context, cfgPath string, opts ...Option) (pipeline.CycleResult, error) {
	o := collectOptions(opts)
	_, cfg, err := loadConfig(cfgPath, o)
	if err != nil {
		return pipeline.CycleResult{}, err
	}
	if err := cfg.Validate(config.ModeOnce); err != nil {
		return pipeline.CycleResult{}, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	defer func() { _ = logSvc.Close() }()
	log = log.With(logx.String("comp", "once"))

	// A nil interface, not a nil *telegram.Adapter: buildComponents skips
	// channel destinations when there is no adapter.
	var adapter kit.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return pipeline.CycleResult{}, err
		}
		ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return pipeline.CycleResult{}, news.ConfigError("telegram: %v", err)
		}
		logSvc.SetSink(ad)
		adapter = ad
	} else if n := countKind(cfg, notifier.KindChannel); n > 0 {
		log.Warn("telegram token not set; skipping channel destinations", logx.Int("skipped", n))
	}

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	comps, err := buildComponents(cfg, adapter, client, log)
	if err != nil {
		return pipeline.CycleResult{}, markConfig(err)
	}
	if len(comps.dests) == 0 {
		log.Warn("no destination configured; new items are logged but not delivered")
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return pipeline.CycleResult{}, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		log.Error("state store unavailable", logx.String("driver", sc.Driver), logx.String("path", sc.Path), logx.Err(err))
		return pipeline.CycleResult{Started: time.Now(), Outcome: pipeline.OutcomeStateUnavailable, Err: err}, nil
	}
	defer func() { _ = store.Close() }()

	notif := notifier.New(comps.notify, comps.dests, log.With(logx.String("comp", "notifier")))
	pipe := pipeline.New(comps.fetcher, comps.extractor, notif, store, log.With(logx.String("comp", "pipeline")))
	sched := scheduler.New(pipe, comps.schedule, log.With(logx.String("comp", "scheduler")))
	return sched.Once(ctx), nil
}

func countKind(cfg *config.Config, kind notifier.Kind) int {
	n := 0
	for _, d := range cfg.Destinations {
		if notifier.Kind(strings.ToLower(strings.TrimSpace(d.Kind))) == kind {
			n++
		}
	}
	return n
}
