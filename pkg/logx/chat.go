package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatLineMax  = 3500
	chatValueMax = 600
	chatSendWait = 10 * time.Second
)

// Sink receives formatted log lines, e.g. a Telegram log group.
type Sink interface {
	SendLog(ctx context.Context, text string) error
}

type sinkRef struct{ Sink }

// forwarder hands log lines to the sink on its own goroutine so a slow chat
// never blocks the caller. Lines beyond the queue or the rate are dropped.
type forwarder struct {
	sink  atomic.Pointer[sinkRef]
	queue chan string

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newForwarder(size int) *forwarder {
	return &forwarder{queue: make(chan string, size), done: make(chan struct{})}
}

func (f *forwarder) setSink(s Sink) {
	if s == nil {
		f.sink.Store(nil)
		return
	}
	f.sink.Store(&sinkRef{s})
}

func (f *forwarder) start() {
	f.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.run(ctx)
	})
}

func (f *forwarder) close() {
	f.once.Do(func() { close(f.done) }) // never started
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

func (f *forwarder) run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-f.queue:
			ref := f.sink.Load()
			if ref == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendWait)
			_ = ref.SendLog(sctx, line)
			cancel()
		}
	}
}

// writer returns a zerolog.LevelWriter feeding this forwarder at most rps
// lines per second.
func (f *forwarder) writer(rps int) zerolog.LevelWriter {
	if rps < 1 {
		rps = 1
	}
	return &chatWriter{fwd: f, limit: rate.NewLimiter(rate.Limit(rps), rps)}
}

type chatWriter struct {
	fwd   *forwarder
	limit *rate.Limiter
}

func (w *chatWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.NoLevel, p) }

func (w *chatWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	if w.fwd.sink.Load() == nil || !w.limit.Allow() {
		return len(p), nil
	}
	if line := formatChatLine(p); line != "" {
		select {
		case w.fwd.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine turns one JSON log line into
//
//	[LEVEL] message
//	- key=value
//
// with keys sorted and time omitted. Non-JSON input is passed through trimmed.
func formatChatLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, chatLineMax)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName} {
		delete(m, k)
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatValueMax))
	}
	return truncate(b.String(), chatLineMax)
}

// truncate cuts s to n bytes, marking the cut with "..." when there is room.
func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
