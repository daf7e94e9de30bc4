package earlybird

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedisStore(client, "cbtr:test", ttl), server
}

func TestRedisStoreTakeConsumesRecord(t *testing.T) {
	store, _ := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{RunID: "run-1", TestID: "test-1", Passed: true}))
	require.NoError(t, store.Put(ctx, Record{RunID: "run-1", TestID: "test-2", Passed: false}))

	record, ok, err := store.Take(ctx, "run-1", "test-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-1", record.RunID)
	require.Equal(t, "test-1", record.TestID)
	require.True(t, record.Passed)

	_, ok, err = store.Take(ctx, "run-1", "test-1")
	require.NoError(t, err)
	require.False(t, ok)

	record, ok, err = store.Take(ctx, "run-1", "test-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, record.Passed)
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	store, server := newTestRedisStore(t, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{RunID: "run-1", TestID: "test-1"}))
	require.True(t, server.Exists("cbtr:test:run:run-1"))

	server.FastForward(time.Minute)
	require.False(t, server.Exists("cbtr:test:run:run-1"))

	_, ok, err := store.Take(ctx, "run-1", "test-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreDeleteRunAndClose(t *testing.T) {
	store, server := newTestRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Record{RunID: "run-1", TestID: "a"}))
	require.NoError(t, store.Put(ctx, Record{RunID: "run-2", TestID: "b"}))

	require.NoError(t, store.DeleteRun(ctx, "run-1"))
	require.False(t, server.Exists("cbtr:test:run:run-1"))
	require.True(t, server.Exists("cbtr:test:run:run-2"))

	require.NoError(t, store.Close())
	require.False(t, server.Exists("cbtr:test:run:run-2"))
}
