package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-memory response cache. Expiry is lazy: an
// expired entry is detected and dropped on the lookup that finds it.
type MemoryStore struct {
	data map[string]*memoryEntry
	mu   sync.RWMutex

	config MemoryStoreConfig
}

type memoryEntry struct {
	payload   []byte
	writtenAt time.Time
	expiresAt time.Time
}

// MemoryStoreConfig holds configuration for the memory store.
type MemoryStoreConfig struct {
	// Name is the store identifier used in logs and metrics
	Name string

	// MaxEntries bounds the number of cached responses (0 = unlimited).
	// When full, the oldest entry by write time is evicted.
	MaxEntries int

	// DefaultTTL applies when Set is called with a non-positive TTL
	DefaultTTL time.Duration
}

// DefaultMemoryStoreConfig returns sensible defaults for the memory store.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		Name:       "memory",
		MaxEntries: 1000,
		DefaultTTL: 5 * time.Minute,
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}

	return &MemoryStore{
		data:   make(map[string]*memoryEntry),
		config: config,
	}
}

// Get retrieves an unexpired value. Expired entries are removed on read.
func (s *MemoryStore) Get(ctx context.Context, key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		return nil, ErrKeyNotFound
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have refreshed it.
		if current, ok := s.data[key]; ok && time.Now().After(current.expiresAt) {
			delete(s.data, key)
		}
		s.mu.Unlock()

		return nil, ErrKeyNotFound
	}

	return Restore(entry.payload)
}

// Set stores a deep-copied snapshot of value with the given TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	payload, err := Snapshot(value)
	if err != nil {
		return err
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxEntries > 0 && len(s.data) >= s.config.MaxEntries {
		if _, exists := s.data[key]; !exists {
			s.evictOldestLocked()
		}
	}

	s.data[key] = &memoryEntry{
		payload:   payload,
		writtenAt: now,
		expiresAt: now.Add(ttl),
	}

	return nil
}

// evictOldestLocked removes the entry with the earliest write time.
// Caller must hold the write lock.
func (s *MemoryStore) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time

	for key, entry := range s.data {
		if oldestKey == "" || entry.writtenAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.writtenAt
		}
	}

	if oldestKey != "" {
		delete(s.data, oldestKey)
	}
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]*memoryEntry)
	s.mu.Unlock()

	return nil
}

// Name returns the store identifier.
func (s *MemoryStore) Name() string {
	return s.config.Name
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the current number of entries, including any not yet
// lazily expired.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}
