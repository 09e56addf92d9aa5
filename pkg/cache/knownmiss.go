package cache

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// KnownMissStore wraps a Store with a bloom filter so the recovery manager's
// cache fallback can reject keys that were never written without touching
// the backend. The filter says "definitely absent" or "maybe present"; false
// positives fall through to the backend and are counted.
type KnownMissStore struct {
	store  Store
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	totalQueries   uint64
	filterRejected uint64
	falsePositives uint64
}

// NewKnownMissStore creates a bloom-guarded store.
func NewKnownMissStore(store Store, expectedItems uint, falsePositiveRate float64) *KnownMissStore {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &KnownMissStore{
		store:  store,
		filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}
}

// Name returns the name of the guarded store.
func (s *KnownMissStore) Name() string {
	return "knownmiss(" + s.store.Name() + ")"
}

// Get rejects keys the filter has never seen, otherwise defers to the backend.
func (s *KnownMissStore) Get(ctx context.Context, key string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.totalQueries++
	mayExist := s.filter.Test([]byte(key))
	if !mayExist {
		s.filterRejected++
		s.mu.Unlock()

		return nil, ErrKeyNotFound
	}
	s.mu.Unlock()

	value, err := s.store.Get(ctx, key)

	if IsNotFound(err) {
		s.mu.Lock()
		s.falsePositives++
		s.mu.Unlock()
	}

	return value, err
}

// Set records the key in the filter and writes through.
func (s *KnownMissStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.filter.Add([]byte(key))
	s.mu.Unlock()

	return s.store.Set(ctx, key, value, ttl)
}

// Delete removes the key from the backend. The filter cannot unlearn a key;
// subsequent lookups fall through and miss at the backend.
func (s *KnownMissStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

// Clear resets the backend. The filter retains its bits until the store is
// rebuilt; cleared keys degrade to backend misses.
func (s *KnownMissStore) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// Close closes the backend.
func (s *KnownMissStore) Close() error {
	return s.store.Close()
}

// FilterStats reports filter efficiency counters.
func (s *KnownMissStore) FilterStats() (totalQueries, filterRejected, falsePositives uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.totalQueries, s.filterRejected, s.falsePositives
}
