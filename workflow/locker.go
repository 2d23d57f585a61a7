package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/chatflow-engine/storage"
)

// lockEntry holds the mutex of one user and the number of goroutines using it.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// userLocks serialises work per user. Entries are reference counted and
// removed once nobody waits on them, so idle users cost nothing.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry

	// distributed, when set, extends exclusion across engine replicas.
	distributed storage.DistributedLocker
	ttl         time.Duration
	logger      zerolog.Logger
}

func newUserLocks(logger zerolog.Logger) *userLocks {
	return &userLocks{
		entries: make(map[string]*lockEntry),
		ttl:     30 * time.Second,
		logger:  logger,
	}
}

func (l *userLocks) acquire(userID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &lockEntry{}
		l.entries[userID] = entry
	}
	entry.refs++
	return entry
}

func (l *userLocks) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[userID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, userID)
	}
}

// size reports how many users currently hold or wait for a lock.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// with runs fn while holding the user's lock.
func (l *userLocks) with(ctx context.Context, userID string, fn func(context.Context) error) error {
	entry := l.acquire(userID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		l.release(userID)
	}()

	if l.distributed != nil {
		unlock, err := l.distributed.Lock(ctx, "user:"+userID, l.ttl)
		if err != nil {
			return fmt.Errorf("failed to lock user %s: %w", userID, err)
		}
		defer func() {
			// The request context may already be done; release regardless.
			if err := unlock(context.Background()); err != nil {
				l.logger.Warn().Err(err).Str("user_id", userID).
					Msg("failed to release distributed lock, it will expire")
			}
		}()
	}

	return fn(ctx)
}
