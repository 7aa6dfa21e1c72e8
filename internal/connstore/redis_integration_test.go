//go:build redis

package connstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/openhub-relay/relay/internal/connstore"
	"github.com/openhub-relay/relay/internal/relayerr"
	"github.com/openhub-relay/relay/internal/relayid"
)

func freshHubID() relayid.HubID {
	return relayid.HubID("test-" + uuid.NewString())
}

// Run with: go test -tags redis ./internal/connstore/... against a real
// Redis instance, address overridable via RELAY_TEST_REDIS_ADDR.
func newTestRedisStore(t *testing.T) *connstore.RedisStore {
	t.Helper()
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	return connstore.NewRedisStore(client)
}

func TestRedisStoreAcquireRenewRelease(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	hubID := freshHubID()

	require.NoError(t, store.Acquire(ctx, hubID, "conn-a", "node-1", "1.0", time.Second))

	err := store.Acquire(ctx, hubID, "conn-b", "node-2", "1.0", time.Second)
	require.Error(t, err)
	require.ErrorIs(t, err, relayerr.ErrLockHeld)

	require.NoError(t, store.Renew(ctx, hubID, "conn-a", 5*time.Second))

	err = store.Renew(ctx, hubID, "conn-b", time.Second)
	require.ErrorIs(t, err, relayerr.ErrLockLost)

	require.NoError(t, store.Release(ctx, hubID, "conn-a"))

	rec, err := store.Lookup(ctx, hubID)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRedisStoreBlock(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	uuidStr := string(freshHubID())

	require.NoError(t, store.Block(ctx, uuidStr, "quarantined", 2*time.Second))
	blocked, remaining, err := store.IsBlocked(ctx, uuidStr)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Greater(t, remaining, time.Duration(0))
}
