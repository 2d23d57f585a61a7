package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/chatflow-engine/types"
)

// SQLStorage is a FlowStore and SessionStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// The pool is limited to one connection: SQLite serialises writers anyway and
// ":memory:" databases are per connection.
type SQLStorage struct {
	db *sql.DB
}

var (
	_ FlowStore    = (*SQLStorage)(nil)
	_ FlowWriter   = (*SQLStorage)(nil)
	_ SessionStore = (*SQLStorage)(nil)
)

// NewSQLStorage initializes the required schema in the given database and
// returns a new SQLStorage.
func NewSQLStorage(ctx context.Context, db *sql.DB) (*SQLStorage, error) {
	db.SetMaxOpenConns(1)
	s := &SQLStorage{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_states (
		user_id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		current_node_id TEXT NOT NULL,
		run_id INTEGER NOT NULL DEFAULT 0,
		context TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		bot_id INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 0,
		graph TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS flows_bot_active ON flows (bot_id, is_active)`,
}

func (s *SQLStorage) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveFlow upserts a flow. A flow keeps its original row position, which
// decides the "first active flow" of a bot.
func (s *SQLStorage) SaveFlow(ctx context.Context, flow types.Flow) error {
	graph, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (id, bot_id, name, is_active, graph)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bot_id = excluded.bot_id,
			name = excluded.name,
			is_active = excluded.is_active,
			graph = excluded.graph`,
		flow.ID, flow.BotID, flow.Name, boolToInt(flow.IsActive), string(graph),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	return nil
}

// GetFlow retrieves a flow by ID.
func (s *SQLStorage) GetFlow(ctx context.Context, flowID string) (types.Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT graph FROM flows WHERE id = ?`, flowID)
	return scanFlow(row, fmt.Errorf("%w: id=%s", ErrFlowNotFound, flowID))
}

// GetActiveFlow retrieves the earliest saved active flow of the bot.
func (s *SQLStorage) GetActiveFlow(ctx context.Context, botID int64) (types.Flow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT graph FROM flows
		WHERE bot_id = ? AND is_active = 1
		ORDER BY rowid
		LIMIT 1`, botID)
	return scanFlow(row, fmt.Errorf("%w: bot=%d", ErrNoActiveFlow, botID))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanFlow(row *sql.Row, notFound error) (types.Flow, error) {
	var graph string
	if err := row.Scan(&graph); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Flow{}, notFound
		}
		return types.Flow{}, err
	}
	var flow types.Flow
	if err := json.Unmarshal([]byte(graph), &flow); err != nil {
		return types.Flow{}, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return flow, nil
}

// GetSession retrieves the session of a user.
func (s *SQLStorage) GetSession(ctx context.Context, userID string) (types.Session, error) {
	return getSession(ctx, s.db, userID)
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getSession(ctx context.Context, q queryRower, userID string) (types.Session, error) {
	row := q.QueryRowContext(ctx, `
		SELECT user_id, flow_id, current_node_id, run_id, context, created_at, updated_at
		FROM user_states
		WHERE user_id = ?`, userID)

	var (
		sess   types.Session
		rawCtx string
		runID  int64
	)
	err := row.Scan(&sess.UserID, &sess.FlowID, &sess.CurrentNodeID, &runID, &rawCtx, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, fmt.Errorf("%w: id=%s", ErrSessionNotFound, userID)
	}
	if err != nil {
		return types.Session{}, err
	}
	sess.RunID = uint64(runID)
	if err := json.Unmarshal([]byte(rawCtx), &sess.Context); err != nil {
		return types.Session{}, fmt.Errorf("failed to unmarshal context of %s: %w", userID, err)
	}
	if sess.Context == nil {
		sess.Context = make(map[string]interface{})
	}
	return sess, nil
}

// SetSession upserts a session; created_at of an existing row is preserved.
func (s *SQLStorage) SetSession(ctx context.Context, sess types.Session) error {
	rawCtx, err := json.Marshal(types.CloneContext(sess.Context))
	if err != nil {
		return fmt.Errorf("failed to marshal context of %s: %w", sess.UserID, err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_states (user_id, flow_id, current_node_id, run_id, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			flow_id = excluded.flow_id,
			current_node_id = excluded.current_node_id,
			run_id = excluded.run_id,
			context = excluded.context,
			updated_at = excluded.updated_at`,
		sess.UserID, sess.FlowID, sess.CurrentNodeID, int64(sess.RunID), string(rawCtx), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.UserID, err)
	}
	return nil
}

// MergeContext overlays partial onto the stored context inside a transaction.
func (s *SQLStorage) MergeContext(ctx context.Context, userID string, partial map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := getSession(ctx, tx, userID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	rawCtx, err := json.Marshal(types.MergeContext(sess.Context, partial))
	if err != nil {
		return fmt.Errorf("failed to marshal context of %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_states SET context = ?, updated_at = ? WHERE user_id = ?`,
		string(rawCtx), time.Now().UnixMilli(), userID,
	); err != nil {
		return fmt.Errorf("failed to merge context of %s: %w", userID, err)
	}
	return tx.Commit()
}

// ClearSession deletes the session of a user.
func (s *SQLStorage) ClearSession(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", userID, err)
	}
	return nil
}
