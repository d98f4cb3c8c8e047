package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"patchwatch/internal/config"
	"patchwatch/internal/news"
	"patchwatch/internal/notifier"
	"patchwatch/internal/pipeline"
	"patchwatch/internal/runtime/supervisor"
	"patchwatch/internal/scheduler"
	"patchwatch/internal/storage"
	"patchwatch/internal/transport/telegram"
	logx "patchwatch/pkg/logx"
)

// App is the continuous-mode process: a Telegram adapter, the scheduler loop
// and the config watcher under one supervisor.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	client  *http.Client
	store   storage.Store
	adapter *telegram.Adapter
	notif   *notifier.Service
	pipe    *pipeline.Pipeline
	sched   *scheduler.Scheduler

	cycleTimeout atomic.Int64 // nanoseconds; follows schedule reloads
	sdNotify     sdNotifyFunc
}

// NewApp loads and validates the configuration for continuous mode and wires
// every component. Configuration problems are returned marked news.ErrConfig.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := collectOptions(opts)

	cfgm, cfg, err := loadConfig(cfgPath, o)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(config.ModeContinuous); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, news.ConfigError("telegram: %v", err)
	}
	logSvc.SetSink(ad)

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	comps, err := buildComponents(cfg, ad, client, log)
	if err != nil {
		return nil, markConfig(err)
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open state store")
	}
	log.Info("state store opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	notif := notifier.New(comps.notify, comps.dests, log.With(logx.String("comp", "notifier")))
	pipe := pipeline.New(comps.fetcher, comps.extractor, notif, store, log.With(logx.String("comp", "pipeline")))
	sched := scheduler.New(pipe, comps.schedule, log.With(logx.String("comp", "scheduler")), scheduler.WithReady(ad.Ready()))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		client:   client,
		store:    store,
		adapter:  ad,
		notif:    notif,
		pipe:     pipe,
		sched:    sched,
		sdNotify: systemdNotify,
	}
	a.cycleTimeout.Store(int64(comps.schedule.CycleTimeout))
	if o.sdNotify != nil {
		a.sdNotify = o.sdNotify
	}
	ad.Handle("status", a.statusHandler)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start loads the persisted cursor and launches the background loops. A state
// store that cannot be read is fatal here: running without knowing the
// cursor would re-announce the latest item.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	if err := a.pipe.Load(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(config.ModeContinuous); err != nil {
			return err
		}
		_, err := buildComponents(cfg, a.adapter, a.client, logx.Nop())
		return err
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	a.sup.Go("scheduler", a.sched.Run)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd", func(c context.Context) {
		systemdLoop(c, a.sdNotify, a.adapter.Ready(), watchdogInterval(), a.sdStatus, a.log.With(logx.String("comp", "systemd")))
	})

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.String("source", a.cfgm.Get().Source.URL),
		logx.String("schedule", a.sched.Status().Schedule),
		logx.String("destinations", strings.Join(a.notif.Destinations(), ",")),
	)
	return nil
}

func (a *App) sdStatus() string {
	st := a.sched.Status()
	if st.LastCycle.Outcome == "" {
		return "watching"
	}
	return "last cycle " + string(st.LastCycle.Outcome)
}

// reloadLoop applies published configs. Bursts are coalesced so only the
// newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config applied (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	comps, err := buildComponents(newCfg, a.adapter, a.client, a.log)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	if ch.Has("source") {
		a.pipe.Reconfigure(comps.fetcher, comps.extractor, nil)
	}
	if ch.Has("destinations") || ch.Has("notify") || ch.Has("texts") {
		a.notif.Apply(comps.notify, comps.dests)
	}
	if ch.Has("schedule") {
		a.sched.Apply(comps.schedule)
		a.cycleTimeout.Store(int64(comps.schedule.CycleTimeout))
	}
	a.log.Info("config applied", fields...)
}

// Stop unwinds in order: stop accepting work, let a running cycle finish,
// then release the adapter and the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sdNotify(daemonStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so the loops start unwinding. A cycle in flight is
	// detached and finishes on its own deadline.
	a.sup.Cancel()

	finished := a.step(ctx, "supervisor", time.Duration(a.cycleTimeout.Load())+2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	for _, t := range a.sup.Snapshot().Tasks {
		a.log.Debug("task summary",
			logx.String("task", t.Name),
			logx.Int64("active", t.Active),
			logx.Int("panics", int(t.Panics)),
			logx.String("last_err", t.LastErr),
		)
	}
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	if finished {
		a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })
	} else {
		a.log.Warn("cycle still running; leaving state store open")
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound so one component can't stall the whole
// stop. It reports whether fn returned before its deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) bool {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return false
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return true
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return false
	}
}

// markConfig marks err as a configuration error unless it already carries
// a class.
func markConfig(err error) error {
	if news.Kind(err) != "unknown" {
		return err
	}
	return errors.Mark(err, news.ErrConfig)
}
