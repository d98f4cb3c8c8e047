package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwatch/internal/pipeline"
	logx "patchwatch/pkg/logx"
)

type fakeCycler struct {
	mu       sync.Mutex
	outcomes []pipeline.Outcome // last repeats
	calls    int
	onCycle  func(ctx context.Context, n int)
	done     chan int
}

func (f *fakeCycler) RunCycle(ctx context.Context) pipeline.CycleResult {
	f.mu.Lock()
	f.calls++
	n := f.calls
	out := pipeline.OutcomeUnchanged
	if len(f.outcomes) > 0 {
		out = f.outcomes[min(n, len(f.outcomes))-1]
	}
	hook := f.onCycle
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, n)
	}
	if f.done != nil {
		select {
		case f.done <- n:
		default:
		}
	}
	return pipeline.CycleResult{Outcome: out}
}

func (f *fakeCycler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		raw   string
		kind  ScheduleKind
		every time.Duration
	}{
		{"15m", ScheduleInterval, 15 * time.Minute},
		{"00:15", ScheduleInterval, 15 * time.Minute},
		{"02:30", ScheduleInterval, 150 * time.Minute},
		{"interval:1h", ScheduleInterval, time.Hour},
		{"every: 00:05", ScheduleInterval, 5 * time.Minute},
		{"cron:*/15 * * * *", ScheduleCron, 0},
		{"@hourly", ScheduleCron, 0},
		{"@every 10m", ScheduleCron, 0},
		{"*/5 * * * *", ScheduleCron, 0},
	}
	for _, tc := range cases {
		s, err := ParseSchedule(tc.raw, "")
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.kind, s.Kind, tc.raw)
		assert.Equal(t, tc.every, s.Every, tc.raw)
	}

	for _, bad := range []string{"", "soon", "0s", "-5m", "00:75", "cron:", "cron:61 * * * *", "interval:x"} {
		_, err := ParseSchedule(bad, "")
		assert.Error(t, err, bad)
	}
}

func TestCronScheduleNextWithTimezone(t *testing.T) {
	s, err := ParseSchedule("0 9 * * *", "Asia/Jakarta")
	require.NoError(t, err)
	assert.Contains(t, s.Cron, "CRON_TZ=Asia/Jakarta")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // 07:00 in Jakarta
	next := s.Next(base)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), next.UTC())

	_, err = ParseSchedule("0 9 * * *", "Mars/Olympus")
	assert.Error(t, err)
}

func TestNextDelay(t *testing.T) {
	done := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Schedule: Interval(15 * time.Minute)}
	assert.Equal(t, 15*time.Minute, NextDelay(cfg, done, 0))
	assert.Equal(t, 15*time.Minute, NextDelay(cfg, done, 3), "no backoff configured")

	cfg.FailureBackoff = time.Minute
	cfg.FailureBackoffMax = 5 * time.Minute
	assert.Equal(t, time.Minute, NextDelay(cfg, done, 1))
	assert.Equal(t, 2*time.Minute, NextDelay(cfg, done, 2))
	assert.Equal(t, 4*time.Minute, NextDelay(cfg, done, 3))
	assert.Equal(t, 5*time.Minute, NextDelay(cfg, done, 4))
	assert.Equal(t, 5*time.Minute, NextDelay(cfg, done, 40))

	cfg.FailureBackoffMax = 0
	assert.Equal(t, 15*time.Minute, NextDelay(cfg, done, 10), "capped at regular wait")

	assert.Equal(t, DefaultEvery, NextDelay(Config{}, done, 0))
}

func TestOnceRunsExactlyOneCycle(t *testing.T) {
	c := &fakeCycler{outcomes: []pipeline.Outcome{pipeline.OutcomeDelivered}}
	s := New(c, Config{}, logx.Nop())
	res := s.Once(context.Background())
	assert.Equal(t, pipeline.OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 0, s.Status().Failures)
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	c := &fakeCycler{done: make(chan int, 16)}
	s := New(c, Config{Schedule: Interval(5 * time.Millisecond)}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("cycle did not run")
		}
	}
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.GreaterOrEqual(t, c.count(), 3)
}

func TestRunWaitsForReadiness(t *testing.T) {
	c := &fakeCycler{done: make(chan int, 1)}
	ready := make(chan struct{})
	s := New(c, Config{Schedule: Interval(time.Hour)}, logx.Nop(), WithReady(ready))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
	close(ready)
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not run after ready")
	}
}

func TestFailuresCountAndReset(t *testing.T) {
	c := &fakeCycler{outcomes: []pipeline.Outcome{
		pipeline.OutcomeFetchFailed, pipeline.OutcomeDeliveryFailed, pipeline.OutcomeUnchanged,
	}}
	s := New(c, Config{}, logx.Nop())
	s.Once(context.Background())
	s.Once(context.Background())
	assert.Equal(t, 2, s.Status().Failures)
	s.Once(context.Background())
	assert.Equal(t, 0, s.Status().Failures)
}

func TestPanicInCycleIsRecovered(t *testing.T) {
	c := &fakeCycler{onCycle: func(ctx context.Context, n int) { panic("boom") }}
	s := New(c, Config{}, logx.Nop())
	res := s.Once(context.Background())
	assert.Equal(t, pipeline.OutcomePanicked, res.Outcome)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, s.Status().Failures)
	assert.False(t, s.Status().Running)
}

func TestCycleIsDetachedFromShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sawCancel bool
	c := &fakeCycler{onCycle: func(cctx context.Context, n int) {
		cancel()
		sawCancel = cctx.Err() != nil
		_, hasDeadline := cctx.Deadline()
		assert.True(t, hasDeadline)
	}}
	s := New(c, Config{Schedule: Interval(time.Hour), CycleTimeout: time.Second}, logx.Nop())
	assert.NoError(t, s.Run(ctx))
	assert.False(t, sawCancel)
	assert.Equal(t, 1, c.count())
}

func TestApplyWakesWaitingLoop(t *testing.T) {
	c := &fakeCycler{done: make(chan int, 4)}
	s := New(c, Config{Schedule: Interval(time.Hour)}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	<-c.done
	require.Eventually(t, func() bool { return !s.Status().Next.IsZero() }, time.Second, 5*time.Millisecond)
	s.Apply(Config{Schedule: Interval(5 * time.Millisecond)})
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("apply did not shorten the wait")
	}
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRunWaitsFromCycleCompletion(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{t: base}
	// The cycle outlasts the interval by an hour.
	c := &fakeCycler{onCycle: func(ctx context.Context, n int) { clock.Advance(2 * time.Hour) }}
	s := New(c, Config{Schedule: Interval(time.Hour)}, logx.Nop(), WithClock(clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return !s.Status().Next.IsZero() }, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.Equal(t, base.Add(2*time.Hour), st.LastDone)
	assert.Equal(t, base.Add(3*time.Hour), st.Next)
	assert.Equal(t, 1, c.count(), "no catch-up cycle for the overrun")

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
