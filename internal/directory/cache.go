package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// InvalidateAll clears every cached endpoint when passed to Invalidate.
const InvalidateAll = "ALL"

// Cache stores resolved endpoints keyed by service class UUID.
type Cache interface {
	Get(ctx context.Context, key string) (Endpoint, bool)
	Set(ctx context.Context, key string, ep Endpoint)
	Invalidate(ctx context.Context, key string)
}

// MemoryCache is a size-bounded in-process cache whose entries expire
// after a fixed TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, Endpoint]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 64
	}
	return &MemoryCache{lru: expirable.NewLRU[string, Endpoint](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Endpoint, bool) {
	return c.lru.Get(key)
}

func (c *MemoryCache) Set(_ context.Context, key string, ep Endpoint) {
	c.lru.Add(key, ep)
}

func (c *MemoryCache) Invalidate(_ context.Context, key string) {
	if key == InvalidateAll {
		c.lru.Purge()
		return
	}
	c.lru.Remove(key)
}

type RedisOpts struct {
	Addr, Password, Namespace, InvalidateChannel string
	DB                                           int
	TTL                                          time.Duration
	Timeout                                      time.Duration
	Logger                                       *slog.Logger
}

// RedisCache shares resolved endpoints between processes. Entries live in
// Redis under a TTL and are mirrored in a local MemoryCache; invalidations
// are broadcast on a pub/sub channel so every process drops its copy.
type RedisCache struct {
	rdb     *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
	timeout time.Duration
	local   *MemoryCache
	log     *slog.Logger
}

func NewRedisCache(o RedisOpts) *RedisCache {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RedisCache{
		rdb:     rdb,
		prefix:  firstNonEmpty(o.Namespace, "fplus:service"),
		channel: firstNonEmpty(o.InvalidateChannel, "fplus:service:invalidate"),
		ttl:     o.TTL,
		timeout: o.Timeout,
		local:   NewMemoryCache(256, o.TTL),
		log:     log,
	}
}

func (c *RedisCache) key(k string) string { return c.prefix + ":" + k }

func (c *RedisCache) Get(ctx context.Context, key string) (Endpoint, bool) {
	if ep, ok := c.local.Get(ctx, key); ok {
		return ep, true
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("redis cache get failed", "key", key, "err", err)
		}
		return Endpoint{}, false
	}
	var ep Endpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		c.log.Warn("redis cache entry unreadable", "key", key, "err", err)
		return Endpoint{}, false
	}
	c.local.Set(ctx, key, ep)
	return ep, true
}

func (c *RedisCache) Set(ctx context.Context, key string, ep Endpoint) {
	c.local.Set(ctx, key, ep)
	raw, err := json.Marshal(ep)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rdb.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		c.log.Warn("redis cache set failed", "key", key, "err", err)
	}
}

// Invalidate removes key locally and in Redis, then tells the other
// processes to do the same.
func (c *RedisCache) Invalidate(ctx context.Context, key string) {
	c.apply(key)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if key != InvalidateAll {
		if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
			c.log.Warn("redis cache delete failed", "key", key, "err", err)
		}
	}
	if err := c.rdb.Publish(ctx, c.channel, key).Err(); err != nil {
		c.log.Warn("redis invalidation publish failed", "key", key, "err", err)
	}
}

func (c *RedisCache) apply(payload string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		payload = InvalidateAll
	}
	c.local.Invalidate(context.Background(), payload)
}

// Listen applies invalidations broadcast by other processes until ctx ends.
func (c *RedisCache) Listen(ctx context.Context) error {
	pubsub := c.rdb.Subscribe(ctx, c.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.apply(msg.Payload)
		}
	}
}

func (c *RedisCache) Close() error { return c.rdb.Close() }

func firstNonEmpty(s, def string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return def
}
