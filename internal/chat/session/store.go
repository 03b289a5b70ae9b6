// Package session persists chat transcripts and the per-session correlation
// id of the upstream agent conversation.
package session

import (
	"context"

	"github.com/chatrelay/chatrelay/pkg/stream"
)

// Store defines the interface for session storage operations.
// History returns messages in append order; an unknown session yields an
// empty history, not an error.
type Store interface {
	// Append adds a finalized message to the session transcript.
	Append(ctx context.Context, msg *stream.ChatMessage) error

	// History returns all messages of a session in append order.
	History(ctx context.Context, sessionID string) ([]*stream.ChatMessage, error)

	// SetCorrelationID records the upstream agent's session identifier.
	SetCorrelationID(ctx context.Context, sessionID, correlationID string) error

	// CorrelationID returns the recorded upstream identifier, or "" if the
	// session has none yet.
	CorrelationID(ctx context.Context, sessionID string) (string, error)

	// Close closes the store (for database connections).
	Close() error
}
