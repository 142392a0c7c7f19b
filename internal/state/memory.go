package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Dry runs use it so planning never
// touches the destination; tests use it as a cheap backend.
type MemoryStore struct {
	mu       sync.Mutex
	configs  map[string]JobConfig
	signals  map[string][2]bool
	progress map[string]map[string]TableProgress
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[string]JobConfig),
		signals:  make(map[string][2]bool),
		progress: make(map[string]map[string]TableProgress),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveConfig(_ context.Context, jobID string, cfg JobConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[jobID] = cfg
	return nil
}

func (m *MemoryStore) LoadConfig(_ context.Context, jobID string) (*JobConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cfg
	return &out, nil
}

func (m *MemoryStore) SaveSignal(_ context.Context, jobID string, paused, cancelled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[jobID] = [2]bool{paused, cancelled}
	return nil
}

func (m *MemoryStore) ReadSignal(_ context.Context, jobID string) (Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[jobID]
	if !ok {
		return SignalNone, nil
	}
	switch {
	case sig[1]:
		return SignalCancelled, nil
	case sig[0]:
		return SignalPaused, nil
	default:
		return SignalNone, nil
	}
}

func (m *MemoryStore) SaveProgress(_ context.Context, jobID string, p TableProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	tables, ok := m.progress[jobID]
	if !ok {
		tables = make(map[string]TableProgress)
		m.progress[jobID] = tables
	}
	tables[p.Table] = p
	return nil
}

func (m *MemoryStore) Progress(_ context.Context, jobID string) (map[string]TableProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TableProgress, len(m.progress[jobID]))
	for table, p := range m.progress[jobID] {
		out[table] = p
	}
	return out, nil
}
