package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RedisLuaLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLuaLimiter(rdb, nil, map[string]BucketConfig{
		"tasks": NewBucketConfigFromPerMinute(60),
	})
	return limiter, mr
}

func TestRedisLuaLimiter_AllowsWithinCapacity(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	defer mr.Close()

	allowed, _, err := limiter.Allow(context.Background(), "tasks", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLuaLimiter_DeniesOverCapacity(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	defer mr.Close()

	allowed, retryAfter, err := limiter.Allow(context.Background(), "tasks", 61)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRedisLuaLimiter_UnknownKeyAlwaysAllowed(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	defer mr.Close()

	allowed, _, err := limiter.Allow(context.Background(), "unconfigured", 1000)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLuaLimiter_NilLimiterAlwaysAllowed(t *testing.T) {
	var limiter *RedisLuaLimiter
	allowed, _, err := limiter.Allow(context.Background(), "tasks", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLuaLimiter_SetBucketConfig(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	defer mr.Close()

	limiter.SetBucketConfig("burst", NewBucketConfigFromPerMinute(1))
	allowed, _, err := limiter.Allow(context.Background(), "burst", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = limiter.Allow(context.Background(), "burst", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}
