package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestNoOpRateLimiter(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	ctx := context.Background()

	for _, key := range []string{"pdf-inbox", ""} {
		for i := 0; i < 10; i++ {
			allowed, err := limiter.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, allowed)
		}
	}
	assert.NoError(t, limiter.Close())
}

func TestNewRedisRateLimiter_InvalidURL(t *testing.T) {
	_, err := NewRedisRateLimiter("not-a-valid-url", 100, time.Minute)
	assert.Error(t, err)
}

func TestNewRedisRateLimiter_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisRateLimiter("redis://"+addr, 100, time.Minute)
	assert.Error(t, err)
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewRedisRateLimiterWithClient(client, 3, time.Minute)
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "pdf-inbox")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "pdf-inbox")
	require.NoError(t, err)
	assert.False(t, allowed, "fourth request within the window should be limited")

	allowed, err = limiter.Allow(ctx, "other-bucket")
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per key")
}

func TestRedisRateLimiter_WindowSlides(t *testing.T) {
	_, client := setupTestRedis(t)
	limiter := NewRedisRateLimiterWithClient(client, 1, time.Minute).(*redisRateLimiter)
	defer limiter.Close()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	allowed, err := limiter.Allow(ctx, "pdf-inbox")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "pdf-inbox")
	require.NoError(t, err)
	assert.False(t, allowed)

	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	allowed, err = limiter.Allow(ctx, "pdf-inbox")
	require.NoError(t, err)
	assert.True(t, allowed, "entries older than the window are trimmed")
}

func TestRedisRateLimiter_SetsTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	limiter := NewRedisRateLimiterWithClient(client, 5, 30*time.Second)
	defer limiter.Close()

	_, err := limiter.Allow(context.Background(), "pdf-inbox")
	require.NoError(t, err)

	assert.True(t, mr.Exists("ratelimit:pdf-inbox"))
	assert.Equal(t, 30*time.Second, mr.TTL("ratelimit:pdf-inbox"))

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("ratelimit:pdf-inbox"))
}
