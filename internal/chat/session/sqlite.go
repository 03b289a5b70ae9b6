package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chatrelay/chatrelay/pkg/stream"
)

// SQLiteStore provides SQLite-based session storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite session store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		correlation_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		usage TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ensureSession inserts the session row if it does not exist yet.
func (s *SQLiteStore) ensureSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, now, now)
	return err
}

// Append adds a message to the session transcript.
func (s *SQLiteStore) Append(ctx context.Context, msg *stream.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if err := s.ensureSession(ctx, msg.SessionID); err != nil {
		return err
	}

	var usage string
	if msg.Usage != nil {
		data, err := json.Marshal(msg.Usage)
		if err == nil {
			usage = string(data)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, usage, msg.CreatedAt)

	return err
}

// History returns all messages of a session in append order.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]*stream.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, usage, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*stream.ChatMessage, 0)
	for rows.Next() {
		msg := &stream.ChatMessage{}
		var usage string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &usage, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if usage != "" {
			var u stream.UsageSummary
			if err := json.Unmarshal([]byte(usage), &u); err == nil {
				msg.Usage = &u
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// SetCorrelationID records the upstream session identifier.
func (s *SQLiteStore) SetCorrelationID(ctx context.Context, sessionID, correlationID string) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET correlation_id = ?, updated_at = ? WHERE id = ?
	`, correlationID, time.Now().UTC(), sessionID)
	return err
}

// CorrelationID returns the recorded upstream identifier, or "".
func (s *SQLiteStore) CorrelationID(ctx context.Context, sessionID string) (string, error) {
	var correlationID string
	err := s.db.QueryRowContext(ctx, `
		SELECT correlation_id FROM sessions WHERE id = ?
	`, sessionID).Scan(&correlationID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return correlationID, err
}
