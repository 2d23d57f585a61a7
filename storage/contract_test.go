package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/chatflow-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFlow is a helper that builds a two-node flow for a bot.
func newFlow(id string, botID int64, active bool) types.Flow {
	return types.Flow{
		ID:       id,
		BotID:    botID,
		Name:     "Test Flow " + id,
		IsActive: active,
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeTypeStart},
			{ID: "hello", Type: types.NodeTypeMessage, Data: map[string]interface{}{"text": "Hi"}},
		},
		Edges: []types.Edge{
			{ID: "e1", Source: "start", Target: "hello"},
		},
	}
}

// newSession is a helper that builds a session positioned at nodeID.
func newSession(userID, nodeID string) types.Session {
	return types.Session{
		UserID:        userID,
		FlowID:        "f1",
		CurrentNodeID: nodeID,
		RunID:         7,
		Context:       map[string]interface{}{"key": "value"},
	}
}

// runSessionStoreContract exercises the SessionStore guarantees every backend must honour.
func runSessionStoreContract(t *testing.T, store SessionStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetAbsent", func(t *testing.T) {
		_, err := store.GetSession(ctx, "nobody")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.SetSession(ctx, newSession("u1", "start")))

		got, err := store.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "f1", got.FlowID)
		assert.Equal(t, "start", got.CurrentNodeID)
		assert.Equal(t, uint64(7), got.RunID)
		assert.Equal(t, "value", got.Context["key"])
		assert.NotZero(t, got.CreatedAt)
		assert.Equal(t, got.CreatedAt, got.UpdatedAt)
	})

	t.Run("UpsertPreservesCreatedAt", func(t *testing.T) {
		require.NoError(t, store.SetSession(ctx, newSession("u2", "start")))
		first, err := store.GetSession(ctx, "u2")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		next := newSession("u2", "hello")
		next.FlowID = "f2"
		next.Context = map[string]interface{}{"other": "x"}
		require.NoError(t, store.SetSession(ctx, next))

		got, err := store.GetSession(ctx, "u2")
		require.NoError(t, err)
		assert.Equal(t, "hello", got.CurrentNodeID)
		assert.Equal(t, "f2", got.FlowID)
		assert.Equal(t, map[string]interface{}{"other": "x"}, got.Context)
		assert.Equal(t, first.CreatedAt, got.CreatedAt)
		assert.Greater(t, got.UpdatedAt, first.UpdatedAt)
	})

	t.Run("MergeContextAbsentIsNoop", func(t *testing.T) {
		require.NoError(t, store.MergeContext(ctx, "ghost", map[string]interface{}{"a": "b"}))
		_, err := store.GetSession(ctx, "ghost")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("MergeContextDisjointCommutes", func(t *testing.T) {
		require.NoError(t, store.SetSession(ctx, newSession("u3", "start")))
		require.NoError(t, store.SetSession(ctx, newSession("u4", "start")))

		a := map[string]interface{}{"a": "1"}
		b := map[string]interface{}{"b": "2"}
		require.NoError(t, store.MergeContext(ctx, "u3", a))
		require.NoError(t, store.MergeContext(ctx, "u3", b))
		require.NoError(t, store.MergeContext(ctx, "u4", b))
		require.NoError(t, store.MergeContext(ctx, "u4", a))

		s3, err := store.GetSession(ctx, "u3")
		require.NoError(t, err)
		s4, err := store.GetSession(ctx, "u4")
		require.NoError(t, err)
		assert.Equal(t, s3.Context, s4.Context)
		assert.Equal(t, map[string]interface{}{"key": "value", "a": "1", "b": "2"}, s3.Context)
		assert.Equal(t, "start", s3.CurrentNodeID)
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		require.NoError(t, store.SetSession(ctx, newSession("u5", "start")))
		require.NoError(t, store.ClearSession(ctx, "u5"))
		require.NoError(t, store.ClearSession(ctx, "u5"))
		_, err := store.GetSession(ctx, "u5")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("ConcurrentMergesOnOneUser", func(t *testing.T) {
		require.NoError(t, store.SetSession(ctx, newSession("u6", "start")))
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.MergeContext(ctx, "u6", map[string]interface{}{fmt.Sprintf("k%d", i): "v"})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := store.GetSession(ctx, "u6")
		require.NoError(t, err)
		assert.Len(t, got.Context, 11)
	})
}

// runFlowStoreContract exercises FlowStore lookups on a seeded store.
func runFlowStoreContract(t *testing.T, store interface {
	FlowStore
	FlowWriter
}) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveFlow(ctx, newFlow("inactive", 1, false)))
	require.NoError(t, store.SaveFlow(ctx, newFlow("first", 1, true)))
	require.NoError(t, store.SaveFlow(ctx, newFlow("second", 1, true)))
	require.NoError(t, store.SaveFlow(ctx, newFlow("other-bot", 2, true)))

	t.Run("GetFlow", func(t *testing.T) {
		got, err := store.GetFlow(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, newFlow("first", 1, true), got)

		_, err = store.GetFlow(ctx, "missing")
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("GetActiveFlowFirstByInsertion", func(t *testing.T) {
		got, err := store.GetActiveFlow(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "first", got.ID)

		got, err = store.GetActiveFlow(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "other-bot", got.ID)

		_, err = store.GetActiveFlow(ctx, 3)
		assert.ErrorIs(t, err, ErrNoActiveFlow)
	})

	t.Run("ResaveKeepsPosition", func(t *testing.T) {
		require.NoError(t, store.SaveFlow(ctx, newFlow("inactive", 1, true)))
		got, err := store.GetActiveFlow(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "inactive", got.ID)
	})
}
