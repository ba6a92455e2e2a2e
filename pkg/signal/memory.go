package signal

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps signals in process. It is enough for a single replica
// and for tests.
type memoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemory() Store {
	return &memoryStore{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *memoryStore) Set(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = m.now().Add(ttl)
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.keys, key)
		return false, nil
	}
	return true, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
