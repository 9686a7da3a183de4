package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuebot/internal/config"
)

func newTestBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 2, 1)
	key := RepositoryKey("org/repo")

	allowed, _, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, _, _ = bucket.Allow(ctx, key)
	assert.True(t, allowed, "second token")
	allowed, _, _ = bucket.Allow(ctx, key)
	assert.False(t, allowed, "third token should be rejected")

	other, _, err := bucket.Allow(ctx, RepositoryKey("org/other"))
	require.NoError(t, err)
	assert.True(t, other, "buckets are per repository")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 1, 1)
	clock := time.UnixMilli(1_700_000_000_000)
	bucket.now = func() time.Time { return clock }

	allowed, _, _ := bucket.Allow(ctx, "k")
	require.True(t, allowed)
	allowed, _, _ = bucket.Allow(ctx, "k")
	require.False(t, allowed)

	clock = clock.Add(1500 * time.Millisecond)
	allowed, _, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed, "a token refills after a second")
}

func TestTokenBucketSetsTTL(t *testing.T) {
	bucket, mr := newTestBucket(t, 3, 1)
	_, _, err := bucket.Allow(context.Background(), "ttl-key")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("ttl-key"))
}

func TestFromConfig(t *testing.T) {
	assert.Nil(t, FromConfig(config.Config{}))

	mr := miniredis.RunT(t)
	bucket := FromConfig(config.Config{RedisAddr: mr.Addr(), RateLimitCapacity: 1, RateLimitRefill: 0.1, RateLimitTTL: time.Hour})
	require.NotNil(t, bucket)
	t.Cleanup(func() { _ = bucket.Close() })
	allowed, _, err := bucket.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}
