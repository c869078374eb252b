package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt int64 // unix millis; 0 means no expiry
	storedAt  int64
}

// MemoryBackend is a mutex-guarded in-process Backend for single-node
// deployments and tests. Expired entries are dropped on read and swept
// opportunistically on write.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	maxSize int
	nowFunc func() time.Time
}

// MemoryBackendOptions configures a MemoryBackend.
type MemoryBackendOptions struct {
	// MaxSize bounds the number of entries; oldest entries are evicted
	// beyond it. Zero means 10000.
	MaxSize int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts MemoryBackendOptions) *MemoryBackend {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *MemoryBackend) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = fn
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if entry.expiresAt > 0 && m.nowFunc().UnixMilli() >= entry.expiresAt {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	// Copy so callers cannot mutate the stored bytes.
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc().UnixMilli()
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored, storedAt: now}
	if ttl > 0 {
		entry.expiresAt = now + ttl.Milliseconds()
	}
	m.entries[key] = entry
	m.prune(now)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}

// Size returns the current entry count, counting expired entries not
// yet swept.
func (m *MemoryBackend) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// prune removes expired entries, then evicts oldest entries beyond
// maxSize. Caller holds the lock.
func (m *MemoryBackend) prune(nowMillis int64) {
	for key, entry := range m.entries {
		if entry.expiresAt > 0 && nowMillis >= entry.expiresAt {
			delete(m.entries, key)
		}
	}

	for len(m.entries) > m.maxSize {
		var oldestKey string
		oldest := int64(^uint64(0) >> 1)
		for k, e := range m.entries {
			if e.storedAt < oldest {
				oldest = e.storedAt
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(m.entries, oldestKey)
	}
}
