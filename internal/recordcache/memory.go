package recordcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const cleanupInterval = 5 * time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Store bounded by an LRU cache. Expired entries are
// dropped lazily on Get and swept by a background goroutine.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, memoryEntry]
	done  chan struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Store holding at most maxEntries values.
func NewMemory(maxEntries int) (*Memory, error) {
	cache, err := lru.New[string, memoryEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	m := &Memory{
		cache: cache,
		done:  make(chan struct{}),
	}
	go m.sweep()
	return m, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		m.cache.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.cache.Add(key, entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	m.cache.Remove(key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Purge(ctx context.Context) error {
	m.mu.Lock()
	m.cache.Purge()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	close(m.done)
	m.mu.Lock()
	m.cache.Purge()
	m.mu.Unlock()
	return nil
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for _, key := range m.cache.Keys() {
				if entry, ok := m.cache.Peek(key); ok && entry.expired(now) {
					m.cache.Remove(key)
				}
			}
			m.mu.Unlock()
		}
	}
}
