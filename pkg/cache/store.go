// Package cache provides the response cache backing the recovery manager's
// cache fallback strategy. Entries are keyed by "METHOD:URL", deep-copied on
// write and read, and expire lazily on lookup. There is no background
// sweeper.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common cache operation errors.
var (
	// ErrKeyNotFound is returned when a requested key does not exist or has expired
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrInvalidKey is returned when a cache key is empty or malformed
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidValue is returned when a value cannot be snapshotted for storage
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrStoreUnavailable is returned when a store backend is unreachable
	ErrStoreUnavailable = errors.New("cache: store unavailable")
)

// IsNotFound checks if the given error indicates that a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// Store is the storage backend for cached responses. The default is the
// in-memory store; a Redis-backed variant lives in the redis subpackage.
type Store interface {
	// Get retrieves an unexpired value by key. Expired entries are dropped
	// on lookup and reported as ErrKeyNotFound.
	Get(ctx context.Context, key string) (any, error)

	// Set stores a deep-copied snapshot of value under key with the given TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Name identifies the store backend for logging and metrics.
	Name() string

	// Close releases backend resources.
	Close() error
}

// Key builds the cache key for a request: "METHOD:url".
func Key(method, url string) string {
	return method + ":" + url
}

// ValidateKey checks that a cache key is usable.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > 2048 {
		return fmt.Errorf("%w: key too long", ErrInvalidKey)
	}
	return nil
}

// Snapshot deep-copies a value through JSON so later mutations of the
// original (or of a served copy) never leak into the cache. Store backends
// persist the returned bytes.
func Snapshot(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return data, nil
}

// Restore materializes a fresh copy from a snapshot.
func Restore(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return value, nil
}
