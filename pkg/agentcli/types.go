// Package agentcli runs the upstream agent CLI as a subprocess and speaks its
// stream-json protocol: newline-delimited JSON over stdin/stdout, with control
// requests for tool permissions.
package agentcli

import "encoding/json"

// Message types from the agent CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or tool invocations from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries user-side content, including tool results
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission prompt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage represents messages from the agent CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// For result messages. Result can be either a string (final text or an
	// error message) or a structured object.
	Result            json.RawMessage `json:"result,omitempty"`
	CostUSD           float64         `json:"cost_usd,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
	Usage             *Usage          `json:"usage,omitempty"`

	// Raw line for advanced parsing if needed
	RawContent json.RawMessage `json:"-"`
}

// MessageBody contains the content blocks of an assistant or user message.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText renders a tool_result content field as plain text. The CLI
// emits either a bare string or a list of text blocks.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			out += blk.Text
		}
		return out
	}
	return string(b.Content)
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// GetResultString returns the Result field as a string, or "" if it is
// absent or not a string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest represents a control request from the agent CLI.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// Permission suggestions from the agent
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput carries the tool input the agent should proceed with.
	// Required on allow.
	UpdatedInput any `json:"updatedInput,omitempty"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// UserMessage is sent to provide a prompt to the agent.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
