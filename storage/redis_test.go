package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/chatflow-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStorage) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStorageFromClient(client, ttl)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStorage(t *testing.T) {
	t.Run("NewRedisStorage", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		store, err := NewRedisStorage(RedisOptions{Addr: mr.Addr(), PoolSize: 10, MinIdleConns: 2, IdleTimeout: time.Minute})
		require.NoError(t, err)
		assert.NotNil(t, store.Client())
		assert.NoError(t, store.Close())

		_, err = NewRedisStorage(RedisOptions{Addr: "127.0.0.1:1"})
		assert.Error(t, err)
	})

	t.Run("Sessions", func(t *testing.T) {
		_, store := newTestRedis(t, 0)
		runSessionStoreContract(t, store)
	})

	t.Run("Flows", func(t *testing.T) {
		_, store := newTestRedis(t, 0)
		runFlowStoreContract(t, store)
	})

	t.Run("SessionTTL", func(t *testing.T) {
		mr, store := newTestRedis(t, time.Minute)
		ctx := context.Background()
		require.NoError(t, store.SetSession(ctx, newSession("u1", "start")))
		assert.Equal(t, time.Minute, mr.TTL(sessionKey("u1")))

		mr.FastForward(2 * time.Minute)
		_, err := store.GetSession(ctx, "u1")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("MergeRefreshesTTL", func(t *testing.T) {
		mr, store := newTestRedis(t, time.Minute)
		ctx := context.Background()
		require.NoError(t, store.SetSession(ctx, newSession("u1", "start")))
		mr.FastForward(30 * time.Second)
		require.NoError(t, store.MergeContext(ctx, "u1", map[string]interface{}{"a": "b"}))
		assert.Equal(t, time.Minute, mr.TTL(sessionKey("u1")))
	})

	t.Run("ActiveFlowSkipsDanglingIDs", func(t *testing.T) {
		mr, store := newTestRedis(t, 0)
		ctx := context.Background()
		require.NoError(t, store.SaveFlow(ctx, newFlow("gone", 5, true)))
		require.NoError(t, store.SaveFlow(ctx, newFlow("kept", 5, true)))
		mr.Del(flowPrefix + "gone")

		got, err := store.GetActiveFlow(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "kept", got.ID)
	})

	t.Run("CorruptedSession", func(t *testing.T) {
		mr, store := newTestRedis(t, 0)
		require.NoError(t, mr.Set(sessionKey("bad"), "{not json"))
		_, err := store.GetSession(context.Background(), "bad")
		assert.ErrorContains(t, err, "failed to unmarshal")
	})
}

func TestGetFromRedis(t *testing.T) {
	mr, store := newTestRedis(t, 0)
	ctx := context.Background()
	require.NoError(t, mr.Set("flow:x", `{"id":"x","bot_id":3}`))

	got, err := getFromRedis[types.Flow](ctx, store.client, "flow:x", ErrFlowNotFound)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.BotID)

	_, err = getFromRedis[types.Flow](ctx, store.client, "flow:y", ErrFlowNotFound)
	assert.ErrorIs(t, err, ErrFlowNotFound)
	assert.Contains(t, err.Error(), "key=flow:y")
}
