package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chatrelay/chatrelay/internal/common/database"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

// PostgresStore provides PostgreSQL-based session storage for multi-instance
// deployments.
type PostgresStore struct {
	db *database.DB
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a session store on an established connection pool.
func NewPostgresStore(ctx context.Context, db *database.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		usage JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, created_at);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Append adds a message to the session transcript. The session row and the
// message are written in one transaction.
func (s *PostgresStore) Append(ctx context.Context, msg *stream.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, created_at, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		`, msg.SessionID, now, now); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, role, content, usage, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Usage, msg.CreatedAt)
		return err
	})
}

// History returns all messages of a session in append order.
func (s *PostgresStore) History(ctx context.Context, sessionID string) ([]*stream.ChatMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, role, content, usage, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*stream.ChatMessage, 0)
	for rows.Next() {
		msg := &stream.ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Usage, &msg.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// SetCorrelationID records the upstream session identifier.
func (s *PostgresStore) SetCorrelationID(ctx context.Context, sessionID, correlationID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id, updated_at = EXCLUDED.updated_at
	`, sessionID, correlationID, now)
	return err
}

// CorrelationID returns the recorded upstream identifier, or "".
func (s *PostgresStore) CorrelationID(ctx context.Context, sessionID string) (string, error) {
	var correlationID string
	err := s.db.QueryRow(ctx, `
		SELECT correlation_id FROM sessions WHERE id = $1
	`, sessionID).Scan(&correlationID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return correlationID, err
}
