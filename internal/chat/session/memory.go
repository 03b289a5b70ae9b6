package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/pkg/stream"
)

// MemoryStore provides in-memory session storage.
// Each session keeps at most maxPerSession messages; the oldest are evicted
// when the cap is exceeded.
type MemoryStore struct {
	messages     map[string][]*stream.ChatMessage
	correlations map[string]string
	max          int
	mu           sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store. maxPerSession <= 0
// disables the cap.
func NewMemoryStore(maxPerSession int) *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string][]*stream.ChatMessage),
		correlations: make(map[string]string),
		max:          maxPerSession,
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Append adds a message to the session transcript.
func (s *MemoryStore) Append(ctx context.Context, msg *stream.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	list := append(s.messages[msg.SessionID], msg)
	if s.max > 0 && len(list) > s.max {
		list = list[len(list)-s.max:]
	}
	s.messages[msg.SessionID] = list
	return nil
}

// History returns all messages of a session in append order.
func (s *MemoryStore) History(ctx context.Context, sessionID string) ([]*stream.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[sessionID]
	out := make([]*stream.ChatMessage, len(list))
	copy(out, list)
	return out, nil
}

// SetCorrelationID records the upstream session identifier.
func (s *MemoryStore) SetCorrelationID(ctx context.Context, sessionID, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.correlations[sessionID] = correlationID
	return nil
}

// CorrelationID returns the recorded upstream identifier, or "".
func (s *MemoryStore) CorrelationID(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.correlations[sessionID], nil
}
