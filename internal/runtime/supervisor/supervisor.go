package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "patchwatch/pkg/logx"
)

// Supervisor runs named goroutines that share one cancellable context.
// A panic is recovered and counted as an error; the first error wins Err.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg   sync.WaitGroup
	idle chan struct{} // closed once wg drains, see Wait
	once sync.Once

	mu    sync.Mutex
	err   error
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) {
		if !log.IsZero() {
			s.log = log
		}
	}
}

// WithCancelOnError cancels the shared context on the first task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// TaskStats counts the runs of one task name.
type TaskStats struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Starts    uint64    `json:"starts"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastStart time.Time `json:"last_start"`
	LastErr   string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{
		log:   logx.Nop(),
		idle:  make(chan struct{}),
		tasks: make(map[string]*TaskStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns the task counters sorted by name.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Tasks: make([]TaskStats, 0, len(s.tasks))}
	if s.err != nil {
		snap.FirstError = s.err.Error()
	}
	for _, st := range s.tasks {
		snap.Tasks = append(snap.Tasks, *st)
	}
	slices.SortFunc(snap.Tasks, func(a, b TaskStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

// track updates the counters for name under the lock.
func (s *Supervisor) track(name string, fn func(st *TaskStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[name]
	if !ok {
		st = &TaskStats{Name: name}
		s.tasks[name] = st
	}
	fn(st)
}

func (s *Supervisor) started(name string, restart bool) {
	s.track(name, func(st *TaskStats) {
		st.Active++
		st.Starts++
		if restart {
			st.Restarts++
		}
		st.LastStart = time.Now()
	})
}

func (s *Supervisor) ended(name string, err error, panicked bool) {
	s.track(name, func(st *TaskStats) {
		st.Active = max(st.Active-1, 0)
		if panicked {
			st.Panics++
		}
		if err != nil {
			st.LastErr = err.Error()
		}
	})
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// call runs fn once, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (panicked bool, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.log.Error("task panicked",
			logx.String("task", name),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())),
		)
		panicked, err = true, fmt.Errorf("panic in %s: %v", name, r)
	}()
	return false, fn(s.ctx)
}

// Go runs fn once. A panic or an error other than cancellation becomes the
// supervisor's error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.started(name, false)
		s.log.Debug("task started", logx.String("task", name))

		panicked, err := s.call(name, fn)
		switch {
		case errors.Is(err, context.Canceled):
			err = nil
		case err != nil && !panicked:
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.ended(name, err, panicked)
		s.fail(err)
		s.log.Debug("task ended", logx.String("task", name), logx.Err(err))
	}()
}

// Go0 is Go for tasks that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error { fn(ctx); return nil })
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	healthy     time.Duration // a run this long resets the backoff
	stopOnNil   bool
}

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.floor = lo
		}
		if hi > 0 {
			p.ceil = hi
		}
	}
}

// WithStopOnCleanExit controls whether a nil return ends GoRestart (default
// true). When false a clean exit is restarted like a failure.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnNil = enabled }
}

// GoRestart keeps fn running until the context is canceled. Failures are
// logged and retried with backoff; they never become the supervisor's error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second, healthy: 30 * time.Second, stopOnNil: true}
	for _, o := range opts {
		o(&p)
	}
	p.ceil = max(p.ceil, p.floor)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := p.floor
		for run := 0; ; run++ {
			if s.ctx.Err() != nil {
				return
			}
			s.started(name, run > 0)
			t0 := time.Now()
			panicked, err := s.call(name, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.ended(name, nil, panicked)
				return
			}
			if err == nil && p.stopOnNil {
				s.ended(name, nil, false)
				return
			}
			if err == nil {
				err = errors.New("returned without error")
			}
			s.ended(name, err, panicked)

			if time.Since(t0) >= p.healthy {
				delay = p.floor
			}
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("in", delay), logx.Err(err))
			if !sleepCtx(s.ctx, delay) {
				return
			}
			delay = min(delay*2, p.ceil)
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels every task and waits for them, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends. It returns the
// supervisor's first error, or ctx's error on timeout.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})
	select {
	case <-s.idle:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
