package relay

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/chat/streaming"
	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

// Handler handles chat HTTP requests
type Handler struct {
	service *Service
	hub     *streaming.Hub
	logger  *logger.Logger
}

// NewHandler creates a new chat handler. hub may be nil to disable the
// WebSocket mirror endpoint.
func NewHandler(service *Service, hub *streaming.Hub, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  log.WithFields(zap.String("component", "chat-handler")),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local tooling connects from arbitrary origins.
		return true
	},
}

// flushWriter adapts the HTTP response to the FrameWriter sink, flushing
// after every frame so deltas reach the client immediately.
type flushWriter struct {
	w  gin.ResponseWriter
	mu sync.Mutex
}

func (fw *flushWriter) WriteFrame(f *stream.Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(f.Encode()); err != nil {
		return err
	}
	fw.w.Flush()
	return nil
}

// StreamChat handles POST /api/chat. The response is a newline-framed event
// stream; validation failures are rejected before any state changes.
func (h *Handler) StreamChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session_id or content"})
		return
	}
	if req.SessionID == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session_id or content"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	sink := &flushWriter{w: c.Writer}
	if err := h.service.StreamTurn(c.Request.Context(), &req, sink); err != nil {
		// The store rejected the user message before streaming began; the
		// headers are already out, so report in-band.
		h.logger.Error("failed to start turn", zap.String("session_id", req.SessionID), zap.Error(err))
		_ = sink.WriteFrame(stream.NewFrame(stream.EventError, err.Error()))
		_ = sink.WriteFrame(stream.NewFrame(stream.EventDone, ""))
	}
}

// GetMessages handles GET /api/chat/messages?session_id=...
func (h *Handler) GetMessages(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session_id parameter"})
		return
	}

	messages, err := h.service.History(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to load messages", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}
	if messages == nil {
		messages = []*stream.ChatMessage{}
	}

	c.JSON(http.StatusOK, MessagesResponse{
		SessionID: sessionID,
		Messages:  messages,
	})
}

// RespondPermission handles POST /api/chat/permissions/respond. An unknown or
// expired id resolves to {"resolved": false} rather than an error.
func (h *Handler) RespondPermission(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.PermissionRequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing permissionRequestId"})
		return
	}
	if req.Decision != stream.DecisionAllow && req.Decision != stream.DecisionDeny {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Decision must be allow or deny"})
		return
	}

	resolved := h.service.ResolveDecision(req.PermissionRequestID, req.Decision)
	c.JSON(http.StatusOK, DecisionResponse{Resolved: resolved})
}

// HandleWebSocket handles WebSocket mirror connections at /ws.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "WebSocket mirror disabled"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// Health handles GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
