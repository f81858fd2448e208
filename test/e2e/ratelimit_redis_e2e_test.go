//go:build e2e

package e2e_test

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/ratelimit"
)

// TestE2E_RedisLimiter runs the token bucket script against a real redis,
// covering the Lua paths miniredis only approximates.
func TestE2E_RedisLimiter(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	rdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	host, err := rdC.Host(ctx)
	require.NoError(t, err)
	port, err := rdC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)

	limiter := ratelimit.NewRedisLimiter(rdb, ratelimit.BucketConfig{Capacity: 2, RefillRate: 1})

	// Burst drains the bucket, the next call is denied with a retry hint.
	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "session_e2e", 1)
		require.NoError(t, err)
		require.True(t, allowed, "burst call %d should pass", i+1)
	}
	allowed, retryAfter, err := limiter.Allow(ctx, "session_e2e", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	require.GreaterOrEqual(t, retryAfter, time.Second)

	// Another session is untouched.
	allowed, _, err = limiter.Allow(ctx, "session_other", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	// The bucket key carries a TTL so idle sessions evaporate.
	ttl, err := rdb.TTL(ctx, "rate:session_e2e").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	// Refill restores one token per second.
	time.Sleep(1100 * time.Millisecond)
	allowed, _, err = limiter.Allow(ctx, "session_e2e", 1)
	require.NoError(t, err)
	require.True(t, allowed, "token should have refilled after a second")
}
