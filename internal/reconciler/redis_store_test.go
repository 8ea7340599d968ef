package reconciler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisSessionStore(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	store := NewRedisSessionStore(client, "test-device", 30*time.Minute)
	client.Del(ctx, "payment-session:test-device")

	s, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	in := Start("42", "pref-1", time.Now().UTC())
	require.NoError(t, store.Save(ctx, in))

	ttl, err := client.TTL(ctx, "payment-session:test-device").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Minute)

	out, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "42", out.OrderID)
	assert.Equal(t, PhaseActive, out.Phase)

	require.NoError(t, store.Delete(ctx))
	out, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, out)
}
