package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/agent"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when a save races a concurrent update.
	// The caller must reload and retry its command.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store persists sessions in SQLite. Saves use optimistic concurrency: the
// update only applies when the stored version matches the version the caller
// loaded, so concurrent updates to the same session are serialized by the
// storage layer rather than assumed single-writer.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the session database at dbPath.
func NewStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping session database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		conversation_id    TEXT NOT NULL,
		type               TEXT NOT NULL,
		status             TEXT NOT NULL,
		current_item_id    TEXT NOT NULL DEFAULT '',
		completed_items    TEXT NOT NULL DEFAULT '[]',
		ui_state           TEXT,
		pending_action     TEXT,
		execution_state    TEXT,
		created_at         INTEGER NOT NULL,
		started_at         INTEGER,
		completed_at       INTEGER,
		termination_reason TEXT NOT NULL DEFAULT '',
		version            INTEGER NOT NULL DEFAULT 0,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create session schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new session at version 1.
func (s *Store) Create(ctx context.Context, sess Session) (Session, error) {
	sess.Version = 1
	cols, err := encodeColumns(sess)
	if err != nil {
		return Session{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, conversation_id, type, status, current_item_id,
			completed_items, ui_state, pending_action, execution_state,
			created_at, started_at, completed_at, termination_reason,
			version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.ConversationID, sess.Type, string(sess.Status),
		sess.CurrentItemID, cols.completedItems, cols.uiState, cols.pendingAction,
		cols.executionState, sess.CreatedAt.UnixMilli(), cols.startedAt,
		cols.completedAt, sess.TerminationReason, sess.Version,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session %s: %w", sess.ID, err)
	}

	s.logger.Debug().Str("session_id", sess.ID).Msg("Session created")
	return sess, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, type, status, current_item_id,
		       completed_items, ui_state, pending_action, execution_state,
		       created_at, started_at, completed_at, termination_reason, version
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

// Save persists a mutated session. The session's Version must be the one
// read; on success the returned session carries the incremented version.
func (s *Store) Save(ctx context.Context, sess Session) (Session, error) {
	cols, err := encodeColumns(sess)
	if err != nil {
		return Session{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, current_item_id = ?, completed_items = ?, ui_state = ?,
			pending_action = ?, execution_state = ?, started_at = ?,
			completed_at = ?, termination_reason = ?, version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		string(sess.Status), sess.CurrentItemID, cols.completedItems, cols.uiState,
		cols.pendingAction, cols.executionState, cols.startedAt, cols.completedAt,
		sess.TerminationReason, time.Now().UnixMilli(), sess.ID, sess.Version,
	)
	if err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", sess.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); err == nil && exists == 0 {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sess.ID)
		}
		return Session{}, fmt.Errorf("%w: session %s version %d", ErrVersionConflict, sess.ID, sess.Version)
	}

	sess.Version++
	return sess, nil
}

// ListByStatus returns sessions in the given status, oldest update first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, type, status, current_item_id,
		       completed_items, ui_state, pending_action, execution_state,
		       created_at, started_at, completed_at, termination_reason, version
		FROM sessions WHERE status = ? ORDER BY updated_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status %s: %w", status, err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListStale returns non-terminal sessions not updated since the cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, conversation_id, type, status, current_item_id,
		       completed_items, ui_state, pending_action, execution_state,
		       created_at, started_at, completed_at, termination_reason, version
		FROM sessions
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		string(StatusActive), string(StatusAwaitingClientAction),
		cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PurgeTerminal deletes terminal sessions not updated since the cutoff and
// returns how many rows were removed.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusExpired), string(StatusTerminated),
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge terminal sessions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Delete removes a session. Used by tests and admin tooling only; normal
// operation never deletes sessions.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type encodedColumns struct {
	completedItems string
	uiState        sql.NullString
	pendingAction  sql.NullString
	executionState sql.NullString
	startedAt      sql.NullInt64
	completedAt    sql.NullInt64
}

func encodeColumns(sess Session) (encodedColumns, error) {
	var cols encodedColumns

	items := sess.CompletedItems
	if items == nil {
		items = []string{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return cols, fmt.Errorf("encode completed items: %w", err)
	}
	cols.completedItems = string(itemsJSON)

	if sess.UIState != nil {
		data, err := json.Marshal(sess.UIState)
		if err != nil {
			return cols, fmt.Errorf("encode ui state: %w", err)
		}
		cols.uiState = sql.NullString{String: string(data), Valid: true}
	}
	if sess.PendingAction != nil {
		data, err := json.Marshal(sess.PendingAction)
		if err != nil {
			return cols, fmt.Errorf("encode pending action: %w", err)
		}
		cols.pendingAction = sql.NullString{String: string(data), Valid: true}
	}
	if sess.Execution != nil {
		data, err := json.Marshal(sess.Execution)
		if err != nil {
			return cols, fmt.Errorf("encode execution snapshot: %w", err)
		}
		cols.executionState = sql.NullString{String: string(data), Valid: true}
	}
	if sess.StartedAt != nil {
		cols.startedAt = sql.NullInt64{Int64: sess.StartedAt.UnixMilli(), Valid: true}
	}
	if sess.CompletedAt != nil {
		cols.completedAt = sql.NullInt64{Int64: sess.CompletedAt.UnixMilli(), Valid: true}
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess           Session
		status         string
		completedItems string
		uiState        sql.NullString
		pendingAction  sql.NullString
		executionState sql.NullString
		createdAt      int64
		startedAt      sql.NullInt64
		completedAt    sql.NullInt64
	)

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.ConversationID, &sess.Type, &status,
		&sess.CurrentItemID, &completedItems, &uiState, &pendingAction,
		&executionState, &createdAt, &startedAt, &completedAt,
		&sess.TerminationReason, &sess.Version,
	)
	if err != nil {
		return Session{}, err
	}

	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()

	if err := json.Unmarshal([]byte(completedItems), &sess.CompletedItems); err != nil {
		return Session{}, fmt.Errorf("decode completed items: %w", err)
	}
	if uiState.Valid {
		if err := json.Unmarshal([]byte(uiState.String), &sess.UIState); err != nil {
			return Session{}, fmt.Errorf("decode ui state: %w", err)
		}
	}
	if pendingAction.Valid {
		action := &agent.ClientAction{}
		if err := json.Unmarshal([]byte(pendingAction.String), action); err != nil {
			return Session{}, fmt.Errorf("decode pending action: %w", err)
		}
		sess.PendingAction = action
	}
	if executionState.Valid {
		state := &agent.ExecutionState{}
		if err := json.Unmarshal([]byte(executionState.String), state); err != nil {
			return Session{}, fmt.Errorf("decode execution snapshot: %w", err)
		}
		sess.Execution = state
	}
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		sess.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		sess.CompletedAt = &t
	}
	return sess, nil
}
