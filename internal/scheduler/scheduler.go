// Package scheduler drives pipeline cycles: continuously on a schedule, or
// exactly once.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"patchwatch/internal/pipeline"
	logx "patchwatch/pkg/logx"
)

const (
	DefaultEvery        = 900 * time.Second
	DefaultCycleTimeout = 2 * time.Minute
)

type Config struct {
	Schedule Schedule
	// FailureBackoff is the first wait after a failed cycle; it doubles per
	// consecutive failure up to FailureBackoffMax and never exceeds the
	// regular wait. 0 keeps the regular schedule after failures.
	FailureBackoff    time.Duration
	FailureBackoffMax time.Duration
	// CycleTimeout bounds one cycle. Cycles are detached from shutdown so a
	// stop request never interrupts a state write.
	CycleTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Schedule.Kind == ScheduleInterval && c.Schedule.Every <= 0 {
		c.Schedule = Interval(DefaultEvery)
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	if c.FailureBackoff < 0 {
		c.FailureBackoff = 0
	}
	return c
}

// Cycler runs one cycle.
type Cycler interface {
	RunCycle(ctx context.Context) pipeline.CycleResult
}

type Option func(*Scheduler)

// WithReady delays the first continuous cycle until ch is closed.
func WithReady(ch <-chan struct{}) Option {
	return func(s *Scheduler) { s.ready = ch }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Status struct {
	Schedule  string
	Next      time.Time
	Failures  int
	LastDone  time.Time
	LastCycle pipeline.CycleResult
	Running   bool
}

type Scheduler struct {
	cycler Cycler
	log    logx.Logger
	ready  <-chan struct{}
	now    func() time.Time
	wake   chan struct{}

	mu       sync.Mutex
	cfg      Config
	failures int
	lastDone time.Time
	last     pipeline.CycleResult
	next     time.Time
	running  bool
}

func New(c Cycler, cfg Config, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cycler: c,
		cfg:    cfg.normalized(),
		log:    log,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the schedule settings. A waiting continuous loop recomputes its
// next run from the last completed cycle.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info("schedule applied", logx.String("schedule", cfg.Schedule.String()), logx.Duration("failure_backoff", cfg.FailureBackoff))
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Schedule:  s.cfg.Schedule.String(),
		Next:      s.next,
		Failures:  s.failures,
		LastDone:  s.lastDone,
		LastCycle: s.last,
		Running:   s.running,
	}
}

// NextDelay is the wait after a cycle that completed at done, given the
// number of consecutive failed cycles.
func NextDelay(cfg Config, done time.Time, failures int) time.Duration {
	cfg = cfg.normalized()
	regular := cfg.Schedule.Next(done).Sub(done)
	if regular < 0 {
		regular = 0
	}
	if failures <= 0 || cfg.FailureBackoff <= 0 {
		return regular
	}
	limit := cfg.FailureBackoffMax
	if limit <= 0 || limit > regular {
		limit = regular
	}
	d := cfg.FailureBackoff
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

// Once runs exactly one cycle. It never fails; the outcome is logged by the
// pipeline and returned.
func (s *Scheduler) Once(ctx context.Context) pipeline.CycleResult {
	return s.runCycle(ctx)
}

// Run loops until ctx is cancelled: cycle, wait, repeat. The wait is measured
// from cycle completion and cycles never overlap.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.ready != nil {
		s.log.Info("waiting for readiness")
		select {
		case <-ctx.Done():
			return nil
		case <-s.ready:
		}
	}
	s.log.Info("scheduler started", logx.String("schedule", s.Status().Schedule))

	for {
		s.runCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !s.wait(ctx) {
			return nil
		}
	}
}

// wait sleeps until the next run time; it returns false on cancellation.
func (s *Scheduler) wait(ctx context.Context) bool {
	for {
		s.mu.Lock()
		delay := NextDelay(s.cfg, s.lastDone, s.failures)
		next := s.lastDone.Add(delay)
		s.next = next
		failures := s.failures
		s.mu.Unlock()

		remaining := next.Sub(s.now())
		s.log.Debug("next check scheduled", logx.Time("at", next), logx.Duration("in", remaining), logx.Int("failures", failures))
		if remaining <= 0 {
			return true
		}

		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-s.wake:
			t.Stop()
			continue
		case <-t.C:
			return true
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) (res pipeline.CycleResult) {
	s.mu.Lock()
	timeout := s.cfg.CycleTimeout
	s.running = true
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = pipeline.CycleResult{Outcome: pipeline.OutcomePanicked, Err: fmt.Errorf("panic: %v", r)}
		}
		s.mu.Lock()
		s.running = false
		s.last = res
		s.lastDone = s.now()
		if res.Outcome.Failed() {
			s.failures++
		} else {
			s.failures = 0
		}
		s.mu.Unlock()
	}()

	return s.cycler.RunCycle(cctx)
}
