package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/chatflow-engine/types"
)

// MemoryStorage is an in-memory implementation of FlowStore and SessionStore.
type MemoryStorage struct {
	flows     map[string]types.Flow
	flowOrder []string
	sessions  map[string]types.Session
	mu        sync.RWMutex
}

var (
	_ FlowStore    = (*MemoryStorage)(nil)
	_ FlowWriter   = (*MemoryStorage)(nil)
	_ SessionStore = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		flows:    make(map[string]types.Flow),
		sessions: make(map[string]types.Session),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveFlow saves a flow to memory. Flows keep their first insertion position.
func (s *MemoryStorage) SaveFlow(ctx context.Context, flow types.Flow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.flows[flow.ID]; !ok {
			s.flowOrder = append(s.flowOrder, flow.ID)
		}
		s.flows[flow.ID] = flow
		return nil
	})
}

// SaveFlows saves multiple flows in a single lock.
func (s *MemoryStorage) SaveFlows(ctx context.Context, flows []types.Flow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, flow := range flows {
			if _, ok := s.flows[flow.ID]; !ok {
				s.flowOrder = append(s.flowOrder, flow.ID)
			}
			s.flows[flow.ID] = flow
		}
		return nil
	})
}

// GetFlow retrieves a flow from memory.
func (s *MemoryStorage) GetFlow(ctx context.Context, flowID string) (types.Flow, error) {
	return getItem(ctx, &s.mu, s.flows, flowID, ErrFlowNotFound)
}

// GetActiveFlow retrieves the first active flow saved for the bot.
func (s *MemoryStorage) GetActiveFlow(ctx context.Context, botID int64) (types.Flow, error) {
	return withContext(ctx, func() (types.Flow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ordered := make([]types.Flow, 0, len(s.flowOrder))
		for _, id := range s.flowOrder {
			ordered = append(ordered, s.flows[id])
		}
		if flow, ok := findActive(ordered, botID); ok {
			return flow, nil
		}
		return types.Flow{}, fmt.Errorf("%w: bot=%d", ErrNoActiveFlow, botID)
	})
}

// GetSession retrieves a session from memory.
func (s *MemoryStorage) GetSession(ctx context.Context, userID string) (types.Session, error) {
	sess, err := getItem(ctx, &s.mu, s.sessions, userID, ErrSessionNotFound)
	if err != nil {
		return sess, err
	}
	sess.Context = types.CloneContext(sess.Context)
	return sess, nil
}

// SetSession upserts a session, preserving CreatedAt of an existing row.
func (s *MemoryStorage) SetSession(ctx context.Context, sess types.Session) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := time.Now().UnixMilli()
		sess.Context = types.CloneContext(sess.Context)
		sess.CreatedAt = now
		if existing, ok := s.sessions[sess.UserID]; ok {
			sess.CreatedAt = existing.CreatedAt
		}
		sess.UpdatedAt = now
		s.sessions[sess.UserID] = sess
		return nil
	})
}

// MergeContext overlays partial onto an existing session's context.
func (s *MemoryStorage) MergeContext(ctx context.Context, userID string, partial map[string]interface{}) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.sessions[userID]
		if !ok {
			return nil
		}
		sess.Context = types.MergeContext(sess.Context, partial)
		sess.UpdatedAt = time.Now().UnixMilli()
		s.sessions[userID] = sess
		return nil
	})
}

// ClearSession removes a session from memory.
func (s *MemoryStorage) ClearSession(ctx context.Context, userID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sessions, userID)
		return nil
	})
}
