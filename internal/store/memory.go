package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]string
	commits int
	// FailCommit, when set, makes Commit return it without applying anything.
	FailCommit error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Commit(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommit != nil {
		return m.FailCommit
	}
	if b == nil {
		return nil
	}
	for _, o := range b.ops {
		switch o.kind {
		case opPut:
			m.data[o.key] = o.value
		case opDelete:
			delete(m.data, o.key)
		}
	}
	m.commits++
	return nil
}

// Commits reports how many batches have been applied.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Snapshot returns a copy of the stored data.
func (m *MemoryStore) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }
