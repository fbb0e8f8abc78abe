package store

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type memoryEntry struct {
	value    string
	expireAt time.Time
}

// MemoryStore keeps entries in process memory. Expiry is evaluated lazily
// against its clock, which makes it handy for tests driven by clock.Mock.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clock.Clock
	data  map[string]memoryEntry
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock: clk,
		data:  make(map[string]memoryEntry),
	}
}

// live returns the entry for key if present and unexpired. Callers hold mu.
func (m *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expireAt.IsZero() && !m.clock.Now().Before(e.expireAt) {
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.live(key)
	return e.value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		delete(m.data, key)
		return false, nil
	}
	e.value = value
	m.data[key] = e
	return true, nil
}

func (m *MemoryStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memoryEntry{value: value, expireAt: m.expireAt(ttl)}
	return nil
}

func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = memoryEntry{value: value, expireAt: m.expireAt(ttl)}
	return true, nil
}

func (m *MemoryStore) RefreshExpiry(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		delete(m.data, key)
		return false, nil
	}
	e.expireAt = m.expireAt(ttl)
	m.data[key] = e
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	delete(m.data, key)
	return ok, nil
}

func (m *MemoryStore) ScanKeys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.RLock()
		keys := make([]string, 0, len(m.data))
		for key := range m.data {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if _, ok := m.live(key); ok {
				keys = append(keys, key)
			}
		}
		m.mu.RUnlock()
		sort.Strings(keys)

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) expireAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}
