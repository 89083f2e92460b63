// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps the connection session history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			connection_id   TEXT PRIMARY KEY,
			identity        TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			instance_id     TEXT NOT NULL DEFAULT '',
			platform        TEXT NOT NULL DEFAULT '',
			version         TEXT NOT NULL DEFAULT '',
			remote_addr     TEXT NOT NULL DEFAULT '',
			degraded        INTEGER NOT NULL DEFAULT 0,
			targets_json    TEXT NOT NULL DEFAULT '[]',
			connected_at    TEXT NOT NULL,
			disconnected_at TEXT,
			close_reason    TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_connected_at ON sessions(connected_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_identity ON sessions(identity);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordConnect inserts a new open session.
func (s *SQLiteStore) RecordConnect(ctx context.Context, sess *Session) error {
	targets, err := json.Marshal(nonNil(sess.Targets))
	if err != nil {
		return fmt.Errorf("encoding targets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (connection_id, identity, name, instance_id, platform, version,
			remote_addr, degraded, targets_json, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ConnectionID, sess.Identity, sess.Name, sess.InstanceID, sess.Platform, sess.Version,
		sess.RemoteAddr, sess.Degraded, string(targets), formatTime(sess.ConnectedAt))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// RecordTargets stores the latest target set announced on a session.
func (s *SQLiteStore) RecordTargets(ctx context.Context, connectionID string, targets []string) error {
	encoded, err := json.Marshal(nonNil(targets))
	if err != nil {
		return fmt.Errorf("encoding targets: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET targets_json = ? WHERE connection_id = ?`,
		string(encoded), connectionID)
	if err != nil {
		return fmt.Errorf("updating targets: %w", err)
	}
	return requireRow(res)
}

// RecordDisconnect closes a session. Closing an already closed session
// keeps the first close time.
func (s *SQLiteStore) RecordDisconnect(ctx context.Context, connectionID string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET disconnected_at = COALESCE(disconnected_at, ?), close_reason = CASE
			WHEN disconnected_at IS NULL THEN ? ELSE close_reason END
		WHERE connection_id = ?
	`, formatTime(at), reason, connectionID)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return requireRow(res)
}

// CloseOpenSessions closes every session still marked open, which happens
// when the relay stopped without seeing its connections close.
func (s *SQLiteStore) CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET disconnected_at = ?, close_reason = ? WHERE disconnected_at IS NULL`,
		formatTime(at), reason)
	if err != nil {
		return 0, fmt.Errorf("closing open sessions: %w", err)
	}
	return res.RowsAffected()
}

const sessionColumns = `connection_id, identity, name, instance_id, platform, version,
	remote_addr, degraded, targets_json, connected_at, disconnected_at, close_reason`

// GetSession retrieves a session by connection id.
func (s *SQLiteStore) GetSession(ctx context.Context, connectionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE connection_id = ?`, connectionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY connected_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess         Session
		targets      string
		connectedAt  string
		disconnected sql.NullString
	)
	err := row.Scan(&sess.ConnectionID, &sess.Identity, &sess.Name, &sess.InstanceID,
		&sess.Platform, &sess.Version, &sess.RemoteAddr, &sess.Degraded, &targets,
		&connectedAt, &disconnected, &sess.CloseReason)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(targets), &sess.Targets); err != nil {
		return nil, fmt.Errorf("decoding targets for %s: %w", sess.ConnectionID, err)
	}
	if sess.ConnectedAt, err = parseTime(connectedAt); err != nil {
		return nil, err
	}
	if disconnected.Valid {
		at, err := parseTime(disconnected.String)
		if err != nil {
			return nil, err
		}
		sess.DisconnectedAt = &at
	}
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(targets []string) []string {
	if targets == nil {
		return []string{}
	}
	return targets
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
