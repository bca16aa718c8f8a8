package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds timezone lookups. An empty value is a valid cached answer
// meaning "no timezone set".
type Cache interface {
	Get(ctx context.Context, userID string) (tz string, ok bool, err error)
	Set(ctx context.Context, userID, tz string, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

type CacheConfig struct {
	Driver   string // "memory" (default) or "redis"
	RedisURL string
	Prefix   string
}

func OpenCache(ctx context.Context, cfg CacheConfig) (Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory", "mem":
		return NewMemoryCache(), nil
	case "redis":
		return openRedis(ctx, cfg)
	default:
		return nil, errors.New("unknown cache driver: " + cfg.Driver)
	}
}

type memEntry struct {
	tz      string
	expires time.Time
}

type memoryCache struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

func NewMemoryCache() Cache {
	return &memoryCache{m: map[string]memEntry{}, now: time.Now}
}

func (c *memoryCache) Get(_ context.Context, userID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[userID]
	if !ok {
		return "", false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.m, userID)
		return "", false, nil
	}
	return e.tz, true, nil
}

func (c *memoryCache) Set(_ context.Context, userID, tz string, ttl time.Duration) error {
	c.mu.Lock()
	c.m[userID] = memEntry{tz: tz, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	delete(c.m, userID)
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Close() error { return nil }

type redisCache struct {
	client *redis.Client
	prefix string
}

func openRedis(ctx context.Context, cfg CacheConfig) (Cache, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(cfg.RedisURL))
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "remindbot:tz:"
	}
	return &redisCache{client: client, prefix: prefix}, nil
}

func (c *redisCache) Get(ctx context.Context, userID string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *redisCache) Set(ctx context.Context, userID, tz string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+userID, tz, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, userID string) error {
	return c.client.Del(ctx, c.prefix+userID).Err()
}

func (c *redisCache) Close() error { return c.client.Close() }
