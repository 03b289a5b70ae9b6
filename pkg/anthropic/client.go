// Package anthropic streams turns directly from the Anthropic Messages API.
// It is the fallback upstream used when no agent CLI binary can be found: the
// same outbound frame protocol, without tool use or permission prompts.
package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-3-5-sonnet-latest"
	maxTokens      = 4096
)

// Options configures a Client.
type Options struct {
	APIKey  string
	BaseURL string // empty means the public API endpoint
	Model   string // default model for turns that do not specify one
}

// Client issues streaming Messages API requests.
type Client struct {
	http   *resty.Client
	apiKey string
	model  string
	logger *logger.Logger
}

// NewClient creates a Messages API client.
func NewClient(opts Options, log *logger.Logger) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	// No client timeout: a streaming response stays open for the whole
	// turn. Retries only cover the initial connection.
	httpClient := resty.New().
		SetBaseURL(base).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetDoNotParseResponse(true)

	return &Client{
		http:   httpClient,
		apiKey: opts.APIKey,
		model:  opts.Model,
		logger: log.WithFields(zap.String("component", "anthropic")),
	}
}

// TurnRequest describes one turn to stream from the API. The API is
// stateless, so prior conversation arrives folded into System rather than by
// correlation id.
type TurnRequest struct {
	Prompt string
	System string
	Model  string
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// apiEvent is one decoded server-sent event from the Messages stream. Only
// the fields this client consumes are declared.
type apiEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Message *struct {
		Model string    `json:"model"`
		Usage *apiUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Turn is one in-flight streaming request. Frames become available on
// Frames() as the API streams; the channel is closed exactly once, after a
// terminal done frame.
type Turn struct {
	frames chan *stream.Frame
	body   io.ReadCloser

	ctx    context.Context
	cancel context.CancelFunc
	logger *logger.Logger

	stopOnce sync.Once
}

// StartTurn opens a streaming Messages request and begins translating its
// events into outbound frames. Cancelling ctx or calling Stop aborts the
// stream.
func (c *Client) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		model = defaultModel
	}

	body := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Stream:    true,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}

	turnCtx, cancel := context.WithCancel(ctx)
	resp, err := c.http.R().
		SetContext(turnCtx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", c.apiKey).
		SetHeader("anthropic-version", apiVersion).
		SetBody(body).
		Post("/v1/messages")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	raw := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(raw, 4096))
		_ = raw.Close()
		cancel()
		return nil, fmt.Errorf("anthropic API returned %d: %s",
			resp.StatusCode(), strings.TrimSpace(string(detail)))
	}

	t := &Turn{
		frames: make(chan *stream.Frame, 64),
		body:   raw,
		ctx:    turnCtx,
		cancel: cancel,
		logger: c.logger.WithFields(zap.String("model", model)),
	}
	go t.read()
	return t, nil
}

// Frames returns the outbound frame stream for this turn.
func (t *Turn) Frames() <-chan *stream.Frame {
	return t.frames
}

// Stop aborts the stream. Safe to call more than once.
func (t *Turn) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
	})
}

// RespondPermission always fails: direct API turns run no tools and never
// surface permission requests.
func (t *Turn) RespondPermission(requestID string, _ stream.Decision) error {
	return fmt.Errorf("no pending permission request %s: direct API turns do not use tools", requestID)
}

func (t *Turn) emit(f *stream.Frame) {
	select {
	case t.frames <- f:
	case <-t.ctx.Done():
	}
}

// read translates the server-sent event stream into frames until the stream
// ends, then terminates with a done frame.
func (t *Turn) read() {
	defer close(t.frames)
	defer t.body.Close()

	var usage stream.UsageSummary
	var haveUsage bool

	scanner := bufio.NewScanner(t.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var ev apiEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.logger.Debug("skipping malformed stream event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				t.emit(stream.NewFrame(stream.EventText, ev.Delta.Text))
			}
		case "message_start":
			if ev.Message == nil {
				continue
			}
			if ev.Message.Usage != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				haveUsage = true
			}
			// Deliberately no session id here: the API holds no
			// conversation state, so the relay must keep folding prior
			// history into the system context on every turn.
			if f, err := stream.NewJSONFrame(stream.EventStatus, stream.StatusPayload{
				Model: ev.Message.Model,
			}); err == nil {
				t.emit(f)
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
				haveUsage = true
			}
		case "error":
			msg := "upstream error"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			t.emit(stream.NewFrame(stream.EventError, msg))
		}
	}

	if err := scanner.Err(); err != nil && t.ctx.Err() == nil {
		t.emit(stream.NewFrame(stream.EventError, fmt.Sprintf("stream read failed: %v", err)))
	}

	if haveUsage {
		if f, err := stream.NewJSONFrame(stream.EventResult, stream.ResultPayload{Usage: &usage}); err == nil {
			t.emit(f)
		}
	}
	t.emit(stream.NewFrame(stream.EventDone, ""))
}
