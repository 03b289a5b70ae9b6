// Package stream defines the outbound event stream protocol shared by the
// relay and its consumers: a sequence of newline-terminated frames, each
// carrying a type discriminator and a JSON payload.
package stream

import (
	"encoding/json"
	"time"
)

// EventType represents the type of an outbound stream frame.
type EventType string

const (
	// EventText carries a text delta from the assistant.
	EventText EventType = "text"
	// EventToolUse announces a tool invocation.
	EventToolUse EventType = "tool_use"
	// EventToolResult carries the outcome of a prior tool invocation.
	EventToolResult EventType = "tool_result"
	// EventToolOutput carries incremental output of a running tool.
	EventToolOutput EventType = "tool_output"
	// EventStatus carries session status (including the upstream session id).
	EventStatus EventType = "status"
	// EventResult carries the final usage/cost summary of a turn.
	EventResult EventType = "result"
	// EventPermissionRequest asks a human to approve a tool invocation.
	EventPermissionRequest EventType = "permission_request"
	// EventError carries an in-stream failure; the stream terminates after it.
	EventError EventType = "error"
	// EventDone marks the natural end of a turn.
	EventDone EventType = "done"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one finalized transcript entry. Messages are immutable once
// written to the session store.
type ChatMessage struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	Usage     *UsageSummary `json:"usage,omitempty"`
}

// UsageSummary is the token/cost accounting delivered with a result frame.
type UsageSummary struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

// ToolUseRecord describes one tool invocation announced by the agent.
// The first occurrence per ID is authoritative.
type ToolUseRecord struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResultRecord pairs a result with a prior ToolUseRecord by ID.
type ToolResultRecord struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolProgress is the structured payload of a tool_output frame reporting a
// long-running tool. Non-matching tool_output payloads are raw text.
type ToolProgress struct {
	ToolName       string  `json:"tool_name"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// StatusPayload is the payload of a status frame. A non-empty SessionID is
// the upstream agent's own session identifier (the correlation id).
type StatusPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ResultPayload is the payload of a result frame.
type ResultPayload struct {
	Usage   *UsageSummary `json:"usage,omitempty"`
	IsError bool          `json:"is_error,omitempty"`
	Text    string        `json:"text,omitempty"`
}

// PermissionSuggestion is a follow-up action offered alongside a permission
// request (e.g. a permanent allow rule).
type PermissionSuggestion struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// PermissionRequest is the payload of a permission_request frame.
type PermissionRequest struct {
	ID          string                 `json:"id"`
	ToolName    string                 `json:"tool_name"`
	Input       map[string]any         `json:"input,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Suggestions []PermissionSuggestion `json:"suggestions,omitempty"`
}

// Decision values accepted for a surfaced permission request.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Decision is the resolution delivered to a pending permission awaiter.
// For allow decisions without an explicit updated input, Input is backfilled
// with the originally registered tool input.
type Decision struct {
	Behavior string         `json:"behavior"`
	Input    map[string]any `json:"input,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// FileAttachment describes a file attached to an outgoing user message.
type FileAttachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Data     string `json:"data,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// NewChatMessage creates a chat message with the current timestamp.
func NewChatMessage(id, sessionID, role, content string) *ChatMessage {
	return &ChatMessage{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// MarshalJSON implements custom JSON marshaling with a stable timestamp format.
func (m *ChatMessage) MarshalJSON() ([]byte, error) {
	type Alias ChatMessage
	return json.Marshal(&struct {
		*Alias
		CreatedAt string `json:"created_at"`
	}{
		Alias:     (*Alias)(m),
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
	})
}
