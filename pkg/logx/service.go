package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./patchwatch.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig controls forwarding of log lines to a Sink.
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the process-wide outputs. Loggers obtained from it pick up
// every Apply without being recreated.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	fwd  *forwarder

	mu   sync.Mutex // serializes Apply and Close
	file *os.File
}

// New applies cfg and returns the service with a Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{fwd: newForwarder(128)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// SetSink installs where chat lines go. Nothing is forwarded until a sink is
// set and Chat.Enabled is true.
func (s *Service) SetSink(sink Sink) { s.fwd.setSink(sink) }

// Apply rebuilds the outputs from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	if cfg.Chat.Enabled {
		s.fwd.start()
		outs = append(outs, &zerolog.FilteredLevelWriter{
			Writer: s.fwd.writer(cfg.Chat.RatePerSec),
			Level:  ParseLevel(cfg.Chat.MinLevel, zerolog.WarnLevel),
		})
	}

	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	zl := build(zerolog.MultiLevelWriter(outs...), cfg.Level)
	s.root.Store(&zl)

	// Lines already in flight keep their old writer; close only after the swap.
	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops chat forwarding and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.fwd.close()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = out
		w.TimeFormat = consoleTimeFormat
		w.FormatCaller = func(i any) string {
			s, _ := i.(string)
			return s
		}
	})
}
