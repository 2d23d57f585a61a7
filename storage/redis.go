package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/chatflow-engine/types"
)

const (
	flowPrefix    = "flow:"
	sessionPrefix = "session:"
	botPrefix     = "bot:"

	// maxTxRetries bounds optimistic WATCH/MULTI retries on contention.
	maxTxRetries = 16
)

// RedisStorage is a Redis-backed implementation of FlowStore and SessionStore.
type RedisStorage struct {
	client *redis.Client
	ttl    time.Duration
}

var (
	_ FlowStore    = (*RedisStorage)(nil)
	_ FlowWriter   = (*RedisStorage)(nil)
	_ SessionStore = (*RedisStorage)(nil)
)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// SessionTTL expires idle sessions. Zero keeps them forever.
	SessionTTL time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageFromClient(client, opts.SessionTTL), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, sessionTTL time.Duration) *RedisStorage {
	return &RedisStorage{client: client, ttl: sessionTTL}
}

// Client exposes the underlying client, e.g. to share it with a RedisLocker.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func sessionKey(userID string) string { return sessionPrefix + userID }

func botFlowsKey(botID int64) string { return botPrefix + strconv.FormatInt(botID, 10) + ":flows" }

func botFlowSetKey(botID int64) string { return botPrefix + strconv.FormatInt(botID, 10) + ":flowset" }

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value stored under key.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveFlow saves a flow and registers it in its bot's ordered flow list.
func (s *RedisStorage) SaveFlow(ctx context.Context, flow types.Flow) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(flow)
		if err != nil {
			return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
		}
		if err := s.client.Set(ctx, flowPrefix+flow.ID, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set flow %s in Redis: %w", flow.ID, err)
		}
		added, err := s.client.SAdd(ctx, botFlowSetKey(flow.BotID), flow.ID).Result()
		if err != nil {
			return fmt.Errorf("failed to index flow %s: %w", flow.ID, err)
		}
		if added == 1 {
			if err := s.client.RPush(ctx, botFlowsKey(flow.BotID), flow.ID).Err(); err != nil {
				return fmt.Errorf("failed to index flow %s: %w", flow.ID, err)
			}
		}
		return nil
	})
}

// GetFlow retrieves a flow from Redis.
func (s *RedisStorage) GetFlow(ctx context.Context, flowID string) (types.Flow, error) {
	return getFromRedis[types.Flow](ctx, s.client, flowPrefix+flowID, ErrFlowNotFound)
}

// GetActiveFlow walks the bot's flows in insertion order and returns the first active one.
func (s *RedisStorage) GetActiveFlow(ctx context.Context, botID int64) (types.Flow, error) {
	return withContext(ctx, func() (types.Flow, error) {
		ids, err := s.client.LRange(ctx, botFlowsKey(botID), 0, -1).Result()
		if err != nil {
			return types.Flow{}, fmt.Errorf("failed to list flows of bot %d: %w", botID, err)
		}
		for _, id := range ids {
			flow, err := s.GetFlow(ctx, id)
			if errors.Is(err, ErrFlowNotFound) {
				continue
			} else if err != nil {
				return types.Flow{}, err
			}
			if flow.IsActive && flow.BotID == botID {
				return flow, nil
			}
		}
		return types.Flow{}, fmt.Errorf("%w: bot=%d", ErrNoActiveFlow, botID)
	})
}

// GetSession retrieves a session from Redis.
func (s *RedisStorage) GetSession(ctx context.Context, userID string) (types.Session, error) {
	return getFromRedis[types.Session](ctx, s.client, sessionKey(userID), ErrSessionNotFound)
}

// SetSession upserts a session inside a WATCH transaction so that CreatedAt
// of a concurrent writer is never lost.
func (s *RedisStorage) SetSession(ctx context.Context, sess types.Session) error {
	key := sessionKey(sess.UserID)
	return s.update(ctx, key, func(tx *redis.Tx) (*types.Session, error) {
		now := time.Now().UnixMilli()
		sess.CreatedAt = now
		existing, err := getFromRedis[types.Session](ctx, tx, key, ErrSessionNotFound)
		switch {
		case err == nil:
			sess.CreatedAt = existing.CreatedAt
		case !errors.Is(err, ErrSessionNotFound):
			return nil, err
		}
		sess.UpdatedAt = now
		return &sess, nil
	})
}

// MergeContext overlays partial onto the stored context; absent sessions are left alone.
func (s *RedisStorage) MergeContext(ctx context.Context, userID string, partial map[string]interface{}) error {
	key := sessionKey(userID)
	return s.update(ctx, key, func(tx *redis.Tx) (*types.Session, error) {
		existing, err := getFromRedis[types.Session](ctx, tx, key, ErrSessionNotFound)
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		existing.Context = types.MergeContext(existing.Context, partial)
		existing.UpdatedAt = time.Now().UnixMilli()
		return &existing, nil
	})
}

// ClearSession removes a session from Redis.
func (s *RedisStorage) ClearSession(ctx context.Context, userID string) error {
	return withContextError(ctx, func() error {
		if err := s.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", userID, err)
		}
		return nil
	})
}

// update runs a read-modify-write of key under WATCH. A nil session from fn
// skips the write.
func (s *RedisStorage) update(ctx context.Context, key string, fn func(tx *redis.Tx) (*types.Session, error)) error {
	return withContextError(ctx, func() error {
		txf := func(tx *redis.Tx) error {
			next, err := fn(tx)
			if err != nil || next == nil {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			return err
		}

		for i := 0; i < maxTxRetries; i++ {
			err := s.client.Watch(ctx, txf, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to update %s in Redis: %w", key, err)
			}
			return nil
		}
		return fmt.Errorf("failed to update %s in Redis: %w", key, redis.TxFailedErr)
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
