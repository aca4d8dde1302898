package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLeaseExclusive(t *testing.T) {
	l := NewMemoryLease()
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(ctx, "a", time.Minute)
	assert.False(t, ok, "second holder rejected")

	_, ok, _ = l.Acquire(ctx, "b", time.Minute)
	assert.True(t, ok, "other tags are independent")

	require.NoError(t, l.Release(ctx, "a", "someone-else"))
	_, ok, _ = l.Acquire(ctx, "a", time.Minute)
	assert.False(t, ok, "foreign token does not release")

	require.NoError(t, l.Release(ctx, "a", token))
	_, ok, _ = l.Acquire(ctx, "a", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLeaseExpires(t *testing.T) {
	l := NewMemoryLease()
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, _ := l.Acquire(ctx, "a", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.Acquire(ctx, "a", time.Second)
	assert.True(t, ok, "expired lease can be taken over")
}

func TestRedisLease(t *testing.T) {
	url := os.Getenv("ROUTER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ROUTER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	l := NewRedisLease(client, "router:test:lease:")
	tag := uuid.NewString()

	token, ok, err := l.Acquire(ctx, tag, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, tag, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, tag, "stale-token"))
	_, ok, _ = l.Acquire(ctx, tag, time.Minute)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, tag, token))
	_, ok, err = l.Acquire(ctx, tag, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
