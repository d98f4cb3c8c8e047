package storage

import (
	"context"
	"sync"

	"patchwatch/internal/news"
)

// Memory is a process-local Store. Saves counts successful writes so tests can
// assert on persistence behavior.
type Memory struct {
	mu    sync.Mutex
	st    news.State
	saves int

	// FailSave, when set, is returned by Save instead of storing.
	FailSave error
}

func NewMemory() *Memory { return &Memory{} }

// NewMemoryWith returns a Memory store pre-seeded with st.
func NewMemoryWith(st news.State) *Memory { return &Memory{st: st} }

func (m *Memory) Load(ctx context.Context) (news.State, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *Memory) Save(ctx context.Context, st news.State) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.st = st
	m.saves++
	return nil
}

// Saves returns the number of successful Save calls.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetFailSave toggles the injected Save error.
func (m *Memory) SetFailSave(err error) {
	m.mu.Lock()
	m.FailSave = err
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
