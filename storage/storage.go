package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/chatflow-engine/types"
)

// Errors
var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrNoActiveFlow    = errors.New("no active flow")
	ErrSessionNotFound = errors.New("session not found")
)

// FlowStore is the read side of the flow authoring system.
type FlowStore interface {
	// GetFlow retrieves a flow by ID.
	GetFlow(ctx context.Context, flowID string) (types.Flow, error)

	// GetActiveFlow retrieves the first flow marked active for the bot.
	GetActiveFlow(ctx context.Context, botID int64) (types.Flow, error)
}

// FlowWriter persists flow definitions. The engine never writes flows; the
// CLI and tests use it to seed stores.
type FlowWriter interface {
	SaveFlow(ctx context.Context, flow types.Flow) error
}

// SessionStore persists one execution position per user. Every operation is
// atomic for its user row.
type SessionStore interface {
	// GetSession returns ErrSessionNotFound when the user is idle.
	GetSession(ctx context.Context, userID string) (types.Session, error)

	// SetSession upserts the session, overwriting flow, node, run and context
	// while preserving the original creation time.
	SetSession(ctx context.Context, sess types.Session) error

	// MergeContext overlays partial onto the stored context. It is a no-op
	// when the user has no session.
	MergeContext(ctx context.Context, userID string, partial map[string]interface{}) error

	// ClearSession deletes the session. Clearing an absent session is not an error.
	ClearSession(ctx context.Context, userID string) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// findActive returns the first active flow for botID in the given order.
func findActive(flows []types.Flow, botID int64) (types.Flow, bool) {
	for _, f := range flows {
		if f.BotID == botID && f.IsActive {
			return f, true
		}
	}
	return types.Flow{}, false
}

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serialises work on one key across engine replicas.
type DistributedLocker interface {
	// Lock blocks until the lock on key is held or ctx is done. The returned
	// UnlockFunc must be called to release it; ttl bounds how long a crashed
	// holder can keep it.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
