package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("hello", Int("n", 3), Bool("ok", true), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.Equal(t, float64(3), m["n"])
	assert.Equal(t, true, m["ok"])
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("no panic")
	assert.False(t, Nop().IsZero())
	Nop().Error("discarded")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" debug ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

func TestFormatChatLine(t *testing.T) {
	out := formatChatLine([]byte(`{"level":"warn","message":"cycle finished","time":"x","outcome":"fetch_failed","comp":"pipeline"}`))
	assert.Equal(t, "[WARN] cycle finished\n- comp=pipeline\n- outcome=fetch_failed", out)
	assert.Equal(t, "not json", formatChatLine([]byte(" not json \n")))
	assert.Len(t, truncate(strings.Repeat("a", 50), 20), 20)
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) SendLog(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	sink := &recordingSink{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()
	svc.SetSink(sink)

	log.Info("not forwarded")
	log.Warn("forwarded", String("k", "v"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	line := sink.lines[0]
	sink.mu.Unlock()
	assert.True(t, strings.HasPrefix(line, "[WARN] forwarded\n"), line)
	assert.Contains(t, line, "\n- caller=logx_test.go:")
	assert.True(t, strings.HasSuffix(line, "\n- k=v"), line)
}

func TestApplySwitchesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", Console: true})
	defer svc.Close()

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped")
	log.Warn("kept")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "dropped")
	assert.Contains(t, string(b), `"message":"kept"`)
}
