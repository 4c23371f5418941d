package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration
type Config struct {
	Addrs      []string      `envconfig:"ADDRS" default:"localhost:6379"`
	Password   string        `envconfig:"PASSWORD"`
	DB         int           `envconfig:"DB" default:"0"`
	Cluster    bool          `envconfig:"CLUSTER" default:"false"`
	Namespace  string        `envconfig:"NAMESPACE" default:"paycore"`
	RateLimit  int64         `envconfig:"RATE_LIMIT" default:"30"`
	RateWindow time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
}

// Cache is a namespaced Redis client.
type Cache struct {
	client    redis.UniversalClient
	namespace string
}

// New creates a cache. A cluster client is used when configured with more
// than one address.
func New(cfg Config) *Cache {
	var rdb redis.UniversalClient
	if cfg.Cluster && len(cfg.Addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
		})
	} else {
		addr := "localhost:6379"
		if len(cfg.Addrs) > 0 {
			addr = cfg.Addrs[0]
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return NewWithClient(rdb, cfg.Namespace)
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, namespace string) *Cache {
	return &Cache{client: client, namespace: namespace}
}

func (c *Cache) key(parts ...string) string {
	if c.namespace == "" {
		return strings.Join(parts, ":")
	}
	return c.namespace + ":" + strings.Join(parts, ":")
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// IncrWithExpire increments a counter, starting its window on first use.
func (c *Cache) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return incr.Val(), nil
}

// IdempotencyStore keeps HTTP responses by idempotency key.
type IdempotencyStore struct {
	cache *Cache
}

// Idempotency returns the idempotency store view of the cache.
func (c *Cache) Idempotency() *IdempotencyStore {
	return &IdempotencyStore{cache: c}
}

// Get returns the stored response for key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.cache.client.Get(ctx, s.cache.key("idempotency", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading idempotency key: %w", err)
	}
	return data, true, nil
}

// Reserve stores record for key only if the key is unused, and reports
// whether it did.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string, record []byte, ttl time.Duration) (bool, error) {
	ok, err := s.cache.client.SetNX(ctx, s.cache.key("idempotency", key), record, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving idempotency key: %w", err)
	}
	return ok, nil
}

// Set stores record for key, replacing a reservation.
func (s *IdempotencyStore) Set(ctx context.Context, key string, record []byte, ttl time.Duration) error {
	if err := s.cache.client.Set(ctx, s.cache.key("idempotency", key), record, ttl).Err(); err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

// Delete releases key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.cache.client.Del(ctx, s.cache.key("idempotency", key)).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}

// RateLimiter is a fixed-window limiter counting requests per key.
type RateLimiter struct {
	cache  *Cache
	limit  int64
	window time.Duration
}

// RateLimiter returns a limiter allowing limit requests per window.
func (c *Cache) RateLimiter(limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{cache: c, limit: limit, window: window}
}

// Allow counts a request for key and reports whether it is within the limit.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.cache.IncrWithExpire(ctx, l.cache.key("ratelimit", key), l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}
