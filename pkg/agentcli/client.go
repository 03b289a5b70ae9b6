package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"go.uber.org/zap"
)

// RequestHandler handles incoming control requests from the agent CLI.
// It receives the request ID and control request, and should eventually call
// SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from the agent CLI.
type MessageHandler func(msg *CLIMessage)

// RawHandler handles stdout lines that are not valid JSON. Some CLI builds
// interleave plain text with the protocol stream.
type RawHandler func(line []byte)

// Client handles agent CLI communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes control messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler
	rawHandler     RawHandler

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a new agent CLI client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "agentcli-client")),
		done:   make(chan struct{}),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// SetRawHandler sets the handler for non-JSON stdout lines.
func (c *Client) SetRawHandler(handler RawHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawHandler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop has exited.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	finished := make(chan struct{})
	go c.readLoop(ctx, finished)
	return finished
}

// Stop stops the client and closes the done channel.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		// Already closed
	default:
		close(c.done)
	}
}

// SendControlResponse sends a control response to the agent CLI.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// SendUserMessage sends a user message (prompt) to the agent CLI.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("agentcli: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, finished chan<- struct{}) {
	defer close(finished)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("agentcli: read loop starting")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	c.logger.Debug("agentcli: received raw line", zap.String("line", string(line)))

	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
		c.mu.RLock()
		raw := c.rawHandler
		c.mu.RUnlock()
		if raw != nil {
			out := make([]byte, len(line))
			copy(out, line)
			raw(out)
		} else {
			c.logger.Warn("failed to parse message", zap.String("line", string(line)))
		}
		return
	}

	// Control requests (from the agent to us, e.g. permission prompts)
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		// Store raw line for advanced parsing if needed
		msg.RawContent = append(json.RawMessage(nil), line...)
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("received control request but no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	// Auto-deny if no handler
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "error",
			Error:   "no handler registered",
		},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}
