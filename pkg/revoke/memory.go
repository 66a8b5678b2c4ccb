package revoke

import (
	"context"
	"sync"
)

// Memory is a process-local store for embedded setups where producer
// and worker share one process.
type Memory struct {
	mu      sync.RWMutex
	revoked map[string]bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty local store.
func NewMemory() *Memory {
	return &Memory{revoked: make(map[string]bool)}
}

func (m *Memory) Revoke(ctx context.Context, id string, terminate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.revoked[id]; !ok || (terminate && !prev) {
		m.revoked[id] = terminate
	}
	return nil
}

func (m *Memory) RevokeMany(ctx context.Context, ids []string, terminate bool) error {
	for _, id := range ids {
		if err := m.Revoke(ctx, id, terminate); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[id]
	return ok
}

func (m *Memory) Terminating(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revoked[id]
}

func (m *Memory) Enumerate() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.revoked))
	for id, terminate := range m.revoked {
		out[id] = terminate
	}
	return out
}

func (m *Memory) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revoked, id)
	return nil
}

func (m *Memory) Close() error { return nil }
