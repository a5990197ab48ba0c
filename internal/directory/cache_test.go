package directory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheInvalidateAll(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, time.Minute)
	c.Set(ctx, "a", Endpoint{Scheme: "tcp", Host: "a", Port: 1883})
	c.Set(ctx, "b", Endpoint{Scheme: "tcp", Host: "b", Port: 1883})

	c.Invalidate(ctx, "a")
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)

	c.Invalidate(ctx, InvalidateAll)
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok)
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, 20*time.Millisecond)
	c.Set(ctx, "a", Endpoint{Scheme: "tcp", Host: "a", Port: 1883})
	require.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

// With Redis down the cache still serves and invalidates its local layer.
func TestRedisCacheLocalLayerWithoutRedis(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache(RedisOpts{Addr: "127.0.0.1:1", Namespace: "test:svc", Timeout: 50 * time.Millisecond})
	defer c.Close()

	assert.Equal(t, "test:svc:"+ServiceMQTT.String(), c.key(ServiceMQTT.String()))

	ep := Endpoint{Scheme: "mqtts", Host: "broker", Port: 8883}
	c.Set(ctx, "mqtt", ep)
	got, ok := c.Get(ctx, "mqtt")
	require.True(t, ok)
	assert.Equal(t, ep, got)

	c.Invalidate(ctx, "mqtt")
	_, ok = c.Get(ctx, "mqtt")
	assert.False(t, ok)
}

func TestRedisCacheAppliesBroadcasts(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache(RedisOpts{Addr: "127.0.0.1:1", Timeout: 50 * time.Millisecond})
	defer c.Close()

	c.local.Set(ctx, "a", Endpoint{Scheme: "tcp", Host: "a", Port: 1883})
	c.local.Set(ctx, "b", Endpoint{Scheme: "tcp", Host: "b", Port: 1883})

	c.apply(" a ")
	_, ok := c.local.Get(ctx, "a")
	assert.False(t, ok)

	c.apply("")
	_, ok = c.local.Get(ctx, "b")
	assert.False(t, ok)
}

func TestRedisCacheDefaults(t *testing.T) {
	c := NewRedisCache(RedisOpts{Addr: "127.0.0.1:1"})
	defer c.Close()
	assert.Equal(t, "fplus:service", c.prefix)
	assert.Equal(t, "fplus:service:invalidate", c.channel)
	assert.Equal(t, 5*time.Minute, c.ttl)
	assert.Equal(t, 2*time.Second, c.timeout)
}
