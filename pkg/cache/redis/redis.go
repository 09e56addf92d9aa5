// Package redis provides a Redis-backed cache.Store so the degradation cache
// can be shared across processes. The default recovery cache remains
// in-memory; this backend is opt-in.
package redis

import (
	"context"
	"fmt"
	"time"

	"httpshield/pkg/cache"

	"github.com/redis/rueidis"
)

// RedisStore implements cache.Store on top of rueidis.
type RedisStore struct {
	client rueidis.Client
	name   string
	config RedisStoreConfig
}

// RedisStoreConfig holds configuration for the Redis-backed store.
type RedisStoreConfig struct {
	Name string
	// Addr is the Redis server address, e.g. "localhost:6379"
	Addr string
	// ClusterAddrs enables cluster mode when set
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number; cluster mode only supports 0
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisStoreConfig returns defaults for a single local node.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "httpshield:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	if config.Name == "" {
		config.Name = "redis"
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr or ClusterAddrs)")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &RedisStore{
		client: client,
		name:   config.Name,
		config: config,
	}, nil
}

// Get retrieves a cached response. Redis handles expiry server-side.
func (r *RedisStore) Get(ctx context.Context, key string) (any, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	cmd := r.client.B().Get().Key(r.config.KeyPrefix + key).Build()
	resp := r.client.Do(ctx, cmd)

	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", cache.ErrStoreUnavailable, err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}

	return cache.Restore(data)
}

// Set stores a snapshotted response with an expiry.
func (r *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	data, err := cache.Snapshot(value)
	if err != nil {
		return err
	}

	cmd := r.client.B().Set().Key(r.config.KeyPrefix + key).Value(string(data)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrStoreUnavailable, err)
	}

	return nil
}

// Delete removes a key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	cmd := r.client.B().Del().Key(r.config.KeyPrefix + key).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: %v", cache.ErrStoreUnavailable, err)
	}

	return nil
}

// Clear removes every entry under the configured prefix.
func (r *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(r.config.KeyPrefix + "*").Count(100).Build()
		resp, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("%w: %v", cache.ErrStoreUnavailable, err)
		}

		if len(resp.Elements) > 0 {
			del := r.client.B().Del().Key(resp.Elements...).Build()
			if err := r.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("%w: %v", cache.ErrStoreUnavailable, err)
			}
		}

		cursor = resp.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Name returns the store identifier.
func (r *RedisStore) Name() string {
	return r.name
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	r.client.Close()
	return nil
}
