// Package cache provides an optional Redis-backed hot-path cache in front
// of the durable store's trusted-IP lookups, plus blocked-IP markers that
// Monitor writes on block and clears on unblock.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps a Redis client with the small set of operations Monitor needs
// to shortcut repeated trusted lookups against the durable store and to
// record which IPs it has blocked.
type Cache struct {
	client *redis.Client
}

// New opens a connection to Redis and verifies it with a ping.
func New(cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Cache{client: client}, nil
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Set stores value under key with the given TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get returns the value at key. The returned ok is false on a cache miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Exists reports whether key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// SetExpire applies a TTL to an already-set key.
func (c *Cache) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// trustedKey and blockedKey namespace Monitor's hot-path IP lookups.
func trustedKey(ip string) string { return "trusted:" + ip }
func blockedKey(ip string) string { return "blocked:" + ip }

// CacheTrusted marks ip as trusted in the cache for ttl.
func (c *Cache) CacheTrusted(ctx context.Context, ip string, ttl time.Duration) error {
	return c.Set(ctx, trustedKey(ip), "1", ttl)
}

// IsTrustedCached reports whether ip is cached as trusted.
func (c *Cache) IsTrustedCached(ctx context.Context, ip string) (bool, error) {
	return c.Exists(ctx, trustedKey(ip))
}

// CacheBlocked marks ip as blocked in the cache for ttl.
func (c *Cache) CacheBlocked(ctx context.Context, ip string, ttl time.Duration) error {
	return c.Set(ctx, blockedKey(ip), "1", ttl)
}

// InvalidateBlocked clears a cached blocked marker, e.g. after an unblock.
func (c *Cache) InvalidateBlocked(ctx context.Context, ip string) error {
	return c.Delete(ctx, blockedKey(ip))
}
