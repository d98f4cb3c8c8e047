package storage

import (
	"context"
	"errors"
	"time"

	"patchwatch/internal/news"
)

var ErrClosed = errors.New("storage closed")

const DefaultPath = "state.json"

// Config configures the state store.
//
// If Driver is empty, the file driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the State Store contract.
//
// Load never fails because the record is absent or unparsable; it returns the
// zero State instead. Errors are reserved for I/O problems that make the
// current cursor unknowable (permission denied, database unavailable).
type Store interface {
	Load(ctx context.Context) (news.State, error)
	Save(ctx context.Context, st news.State) error
	Close() error
}
