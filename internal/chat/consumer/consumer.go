// Package consumer implements the client side of the relay protocol: it
// issues turn-start requests, decodes the outbound event stream
// incrementally, maintains UI-facing turn state, and finalizes a transcript
// entry when the stream ends.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

// State is the consumer's per-turn lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// ErrTurnInFlight is returned by Send while another turn is still running.
var ErrTurnInFlight = fmt.Errorf("a turn is already in flight")

// stoppedMarker annotates partial text preserved through cancellation.
const stoppedMarker = "\n\n*(generation stopped)*"

// toolOutputLimit caps the streaming tool-output buffer to its most recent
// characters.
const toolOutputLimit = 5000

// DefaultStatusClearDelay is how long the transient "connected" status stays
// visible.
const DefaultStatusClearDelay = 2 * time.Second

// Observer receives UI-facing turn updates. All callbacks run on the turn's
// goroutine; implementations must not call back into the consumer.
type Observer interface {
	OnStateChange(s State)
	OnTextDelta(accumulated string)
	OnToolUse(rec *stream.ToolUseRecord)
	OnToolResult(rec *stream.ToolResultRecord)
	OnToolOutput(buffered string)
	OnStatus(text string)
	OnPermissionRequest(req *stream.PermissionRequest)
}

// Options configures a Consumer.
type Options struct {
	BaseURL          string
	SessionID        string
	Model            string
	WorkingDirectory string
	HTTPClient       *http.Client
	Observer         Observer
	StatusClearDelay time.Duration
	Logger           *logger.Logger
}

// Consumer drives one conversation turn at a time against a relay endpoint.
// At most one turn is in flight per instance.
type Consumer struct {
	baseURL          string
	sessionID        string
	model            string
	workingDirectory string
	httpc            *http.Client
	observer         Observer
	statusClearDelay time.Duration
	logger           *logger.Logger

	mu    sync.Mutex
	state State

	// Per-turn transient state, reset on every Send.
	cancel       context.CancelFunc
	accumulated  strings.Builder
	toolUses     []*stream.ToolUseRecord
	toolUseIDs   map[string]bool
	toolResults  []*stream.ToolResultRecord
	toolOutput   string
	statusText   string
	statusEpoch  int
	usage        *stream.UsageSummary
	pendingPerm  *stream.PermissionRequest
	permResolved bool
	failure      string

	messages []*stream.ChatMessage
}

// NewConsumer creates a consumer bound to one session.
func NewConsumer(opts Options) *Consumer {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	delay := opts.StatusClearDelay
	if delay <= 0 {
		delay = DefaultStatusClearDelay
	}
	log := opts.Logger
	if log == nil {
		log, _ = logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console", OutputPath: "stdout"})
	}
	return &Consumer{
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		sessionID:        opts.SessionID,
		model:            opts.Model,
		workingDirectory: opts.WorkingDirectory,
		httpc:            httpc,
		observer:         opts.Observer,
		statusClearDelay: delay,
		logger:           log.WithFields(zap.String("component", "consumer"), zap.String("session_id", opts.SessionID)),
		state:            StateIdle,
		toolUseIDs:       make(map[string]bool),
	}
}

// Send runs one turn to completion: it appends an optimistic user message,
// opens the stream, and processes frames until the stream ends. It blocks for
// the duration of the turn; Cancel (from another goroutine) aborts it.
// Returns ErrTurnInFlight if a turn is already running.
func (c *Consumer) Send(ctx context.Context, content string, attachments []stream.FileAttachment) error {
	c.mu.Lock()
	if c.state == StateSending || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}

	c.resetTurnLocked()
	c.setStateLocked(StateSending)

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	userMsg := stream.NewChatMessage(uuid.New().String(), c.sessionID, stream.RoleUser,
		contentWithAttachmentSentinels(content, attachments))
	c.messages = append(c.messages, userMsg)
	c.mu.Unlock()

	err := c.runTurn(turnCtx, content, attachments)

	c.mu.Lock()
	c.finalizeLocked(turnCtx)
	c.mu.Unlock()
	return err
}

// runTurn issues the turn-start request and pumps the stream. The returned
// error reports transport-level failures, recorded in c.failure; in-stream
// error frames are folded into the accumulator instead.
func (c *Consumer) runTurn(ctx context.Context, content string, attachments []stream.FileAttachment) error {
	body, err := json.Marshal(map[string]any{
		"session_id":        c.sessionID,
		"content":           content,
		"model":             c.model,
		"working_directory": c.workingDirectory,
		"files":             attachments,
	})
	if err != nil {
		c.recordFailure(fmt.Sprintf("failed to encode request: %v", err))
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		c.recordFailure(fmt.Sprintf("failed to build request: %v", err))
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.recordFailure(fmt.Sprintf("request failed: %v", err))
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		c.recordFailure(msg)
		return fmt.Errorf("turn rejected: %s", msg)
	}

	c.mu.Lock()
	c.setStateLocked(StateStreaming)
	c.mu.Unlock()

	return c.pump(ctx, resp.Body)
}

// pump splits the response body into complete lines and handles each frame.
// A partial trailing line is retained until the next read completes it.
func (c *Consumer) pump(ctx context.Context, r io.Reader) error {
	var lb stream.LineBuffer
	buf := make([]byte, 4096)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				c.handleLine(line)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				// Cancellation surfaces as a read error; not a failure.
				return nil
			}
			c.recordFailure(fmt.Sprintf("stream read failed: %v", err))
			return err
		}
	}
}

// handleLine decodes one line and dispatches it. Undecodable lines are
// skipped; they never terminate the turn.
func (c *Consumer) handleLine(line []byte) {
	f, err := stream.DecodeFrame(line)
	if err != nil {
		c.logger.Debug("skipping malformed frame", zap.Error(err))
		return
	}
	if f == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case stream.EventText:
		c.accumulated.WriteString(f.Data)
		c.notifyText()

	case stream.EventToolUse:
		rec, derr := f.ToolUse()
		if derr != nil {
			c.logger.Debug("skipping malformed tool_use", zap.Error(derr))
			return
		}
		if c.toolUseIDs[rec.ID] {
			return
		}
		c.toolUseIDs[rec.ID] = true
		c.toolUses = append(c.toolUses, rec)
		c.toolOutput = ""
		if c.observer != nil {
			c.observer.OnToolUse(rec)
		}

	case stream.EventToolResult:
		rec, derr := f.ToolResult()
		if derr != nil {
			c.logger.Debug("skipping malformed tool_result", zap.Error(derr))
			return
		}
		c.toolResults = append(c.toolResults, rec)
		if c.observer != nil {
			c.observer.OnToolResult(rec)
		}

	case stream.EventToolOutput:
		if p, _ := f.Progress(); p != nil {
			c.setStatusLocked(fmt.Sprintf("%s running (%.0fs)", p.ToolName, p.ElapsedSeconds), false)
			return
		}
		c.toolOutput = appendCapped(c.toolOutput, f.Data, toolOutputLimit)
		if c.observer != nil {
			c.observer.OnToolOutput(c.toolOutput)
		}

	case stream.EventStatus:
		c.handleStatusLocked(f)

	case stream.EventResult:
		if p, derr := f.Result(); derr == nil && p.Usage != nil {
			c.usage = p.Usage
		}
		c.setStatusLocked("", false)

	case stream.EventPermissionRequest:
		req, derr := f.Permission()
		if derr != nil {
			c.logger.Debug("skipping malformed permission_request", zap.Error(derr))
			return
		}
		c.pendingPerm = req
		c.permResolved = false
		if c.observer != nil {
			c.observer.OnPermissionRequest(req)
		}

	case stream.EventError:
		// In-stream failures annotate the accumulator so partial text
		// survives into the final transcript entry. Only transport failures
		// take the error-string-only finalization path.
		c.accumulated.WriteString("\n\nError: ")
		c.accumulated.WriteString(f.Data)
		c.notifyText()

	case stream.EventDone:
		// Finalization runs uniformly once the stream ends.

	default:
		c.logger.Debug("ignoring unknown frame type", zap.String("type", string(f.Type)))
	}
}

// handleStatusLocked maps a status payload to transient status text. A
// payload carrying the upstream session id shows a short-lived "connected"
// notice; notification shapes show their message or title; anything else
// falls back to the raw payload.
func (c *Consumer) handleStatusLocked(f *stream.Frame) {
	p, err := f.Status()
	if err != nil {
		c.setStatusLocked(f.Data, false)
		return
	}
	switch {
	case p.SessionID != "":
		c.setStatusLocked("connected", true)
	case p.Message != "":
		c.setStatusLocked(p.Message, false)
	case p.Title != "":
		c.setStatusLocked(p.Title, false)
	default:
		c.setStatusLocked(f.Data, false)
	}
}

// setStatusLocked updates the transient status text. autoClear schedules the
// text to disappear after the configured delay unless something newer has
// replaced it.
func (c *Consumer) setStatusLocked(text string, autoClear bool) {
	c.statusEpoch++
	c.statusText = text
	if c.observer != nil {
		c.observer.OnStatus(text)
	}
	if !autoClear {
		return
	}

	epoch := c.statusEpoch
	time.AfterFunc(c.statusClearDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.statusEpoch != epoch {
			return
		}
		c.statusText = ""
		if c.observer != nil {
			c.observer.OnStatus("")
		}
	})
}

// finalizeLocked writes the turn's assistant transcript entry and resets to
// Idle. Cancellation outranks failure; partial text is never discarded.
func (c *Consumer) finalizeLocked(ctx context.Context) {
	text := strings.TrimSpace(c.accumulated.String())
	cancelled := ctx.Err() != nil

	switch {
	case cancelled:
		c.setStateLocked(StateCancelled)
		if text != "" {
			msg := stream.NewChatMessage(uuid.New().String(), c.sessionID, stream.RoleAssistant, text+stoppedMarker)
			c.messages = append(c.messages, msg)
		}
	case c.failure != "":
		c.setStateLocked(StateFailed)
		msg := stream.NewChatMessage(uuid.New().String(), c.sessionID, stream.RoleAssistant,
			fmt.Sprintf("Error: %s", c.failure))
		c.messages = append(c.messages, msg)
	case text != "":
		c.setStateLocked(StateCompleted)
		msg := stream.NewChatMessage(uuid.New().String(), c.sessionID, stream.RoleAssistant, text)
		msg.Usage = c.usage
		c.messages = append(c.messages, msg)
	default:
		c.setStateLocked(StateCompleted)
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.setStatusLocked("", false)
	c.setStateLocked(StateIdle)
}

// SubmitDecision reports a human decision for the currently surfaced
// permission request. The local resolution flag is set optimistically and
// the HTTP call is fire-and-forget; it is never awaited or retried.
func (c *Consumer) SubmitDecision(permissionRequestID, decision string) {
	c.mu.Lock()
	if c.pendingPerm != nil && c.pendingPerm.ID == permissionRequestID {
		c.permResolved = true
	}
	c.mu.Unlock()

	go func() {
		body, _ := json.Marshal(map[string]string{
			"permissionRequestId": permissionRequestID,
			"decision":            decision,
		})
		resp, err := c.httpc.Post(c.baseURL+"/api/chat/permissions/respond", "application/json", bytes.NewReader(body))
		if err != nil {
			c.logger.Warn("decision submission failed", zap.String("id", permissionRequestID), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}

// Cancel aborts the in-flight turn. Safe to call repeatedly or when no turn
// is running.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resetTurnLocked clears all transient per-turn state. Caller holds c.mu.
func (c *Consumer) resetTurnLocked() {
	c.accumulated.Reset()
	c.toolUses = nil
	c.toolUseIDs = make(map[string]bool)
	c.toolResults = nil
	c.toolOutput = ""
	c.statusText = ""
	c.statusEpoch++
	c.usage = nil
	c.pendingPerm = nil
	c.permResolved = false
	c.failure = ""
}

func (c *Consumer) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.observer != nil {
		c.observer.OnStateChange(s)
	}
}

func (c *Consumer) recordFailure(msg string) {
	c.mu.Lock()
	c.failure = msg
	c.mu.Unlock()
}

func (c *Consumer) notifyText() {
	if c.observer != nil {
		c.observer.OnTextDelta(c.accumulated.String())
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a snapshot of the local transcript.
func (c *Consumer) Messages() []*stream.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*stream.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// AccumulatedText returns the current turn's accumulated text.
func (c *Consumer) AccumulatedText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulated.String()
}

// ToolUses returns a snapshot of the deduplicated tool-use list.
func (c *Consumer) ToolUses() []*stream.ToolUseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*stream.ToolUseRecord, len(c.toolUses))
	copy(out, c.toolUses)
	return out
}

// ToolResults returns a snapshot of the tool-result list, duplicates
// included.
func (c *Consumer) ToolResults() []*stream.ToolResultRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*stream.ToolResultRecord, len(c.toolResults))
	copy(out, c.toolResults)
	return out
}

// ResultFor returns the first recorded result for a tool-use id. First
// result per id wins in the pairing view.
func (c *Consumer) ResultFor(toolUseID string) (*stream.ToolResultRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.toolResults {
		if r.ToolUseID == toolUseID {
			return r, true
		}
	}
	return nil, false
}

// ToolOutput returns the buffered streaming tool output.
func (c *Consumer) ToolOutput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolOutput
}

// StatusText returns the transient status text, if any.
func (c *Consumer) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// PendingPermission returns the surfaced permission request and whether a
// local decision has already been submitted for it.
func (c *Consumer) PendingPermission() (*stream.PermissionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingPerm, c.permResolved
}

// contentWithAttachmentSentinels embeds attachment metadata into the message
// content so a later replay can reconstruct it.
func contentWithAttachmentSentinels(content string, attachments []stream.FileAttachment) string {
	if len(attachments) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	for _, a := range attachments {
		meta, err := json.Marshal(a)
		if err != nil {
			continue
		}
		b.WriteString("\n<!-- attachment:")
		b.Write(meta)
		b.WriteString(" -->")
	}
	return b.String()
}

// appendCapped appends s to buf keeping only the trailing limit bytes,
// advanced to the next rune boundary so a multi-byte sequence is never cut.
func appendCapped(buf, s string, limit int) string {
	buf += s
	if len(buf) <= limit {
		return buf
	}
	cut := buf[len(buf)-limit:]
	for i := 0; i < len(cut); i++ {
		if utf8.RuneStart(cut[i]) {
			return cut[i:]
		}
	}
	return ""
}

// readErrorBody extracts the {"error": ...} message from a rejected
// turn-start response.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "request rejected"
	}
	var body struct {
		Error string `json:"error"`
	}
	if jerr := json.Unmarshal(data, &body); jerr == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}
