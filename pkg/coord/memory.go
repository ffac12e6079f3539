package coord

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Backend for tests and single-node deployments.
// Expiry is lazy: records past their TTL are dropped when touched.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	clock clockwork.Clock
}

type memoryItem struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory creates an in-memory backend using the real clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(clockwork.NewRealClock())
}

// NewMemoryWithClock creates an in-memory backend with an injected clock so
// tests can step TTLs deterministically.
func NewMemoryWithClock(clock clockwork.Clock) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: clock,
	}
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(item) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte)
	for key, item := range m.items {
		if !strings.HasPrefix(key, prefix) || m.expired(item) {
			continue
		}
		out[key] = append([]byte(nil), item.value...)
	}
	return out, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, old, newValue []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if ok && m.expired(item) {
		delete(m.items, key)
		ok = false
	}

	if old == nil {
		if ok {
			return ErrCompareFailed
		}
	} else {
		if !ok || !bytes.Equal(item.value, old) {
			return ErrCompareFailed
		}
	}

	m.items[key] = memoryItem{value: append([]byte(nil), newValue...)}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) expired(item memoryItem) bool {
	return !item.expires.IsZero() && m.clock.Now().After(item.expires)
}
