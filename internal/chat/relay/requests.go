package relay

import "github.com/chatrelay/chatrelay/pkg/stream"

// ChatRequest is the turn-start request body for POST /api/chat.
type ChatRequest struct {
	SessionID        string                  `json:"session_id"`
	Content          string                  `json:"content"`
	Model            string                  `json:"model,omitempty"`
	WorkingDirectory string                  `json:"working_directory,omitempty"`
	SystemContext    string                  `json:"system_context,omitempty"`
	Files            []stream.FileAttachment `json:"files,omitempty"`
}

// DecisionRequest is the body for POST /api/chat/permissions/respond.
type DecisionRequest struct {
	PermissionRequestID string `json:"permissionRequestId"`
	Decision            string `json:"decision"` // allow | deny
}

// DecisionResponse reports whether the decision reached a pending request.
type DecisionResponse struct {
	Resolved bool `json:"resolved"`
}

// MessagesResponse is the body for GET /api/chat/messages.
type MessagesResponse struct {
	SessionID string                `json:"session_id"`
	Messages  []*stream.ChatMessage `json:"messages"`
}
