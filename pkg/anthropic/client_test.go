package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// collectFrames drains the turn's frame channel, failing the test if the
// stream does not terminate.
func collectFrames(t *testing.T, turn *Turn) []*stream.Frame {
	t.Helper()
	var frames []*stream.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-turn.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("frame stream never terminated")
		}
	}
}

func sseEvent(v any) string {
	data, _ := json.Marshal(v)
	return fmt.Sprintf("data: %s\n\n", data)
}

func TestStartTurn_StreamsTextAndUsage(t *testing.T) {
	var gotReq messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q, want sk-test", got)
		}
		if got := r.Header.Get("anthropic-version"); got != apiVersion {
			t.Errorf("anthropic-version = %q, want %q", got, apiVersion)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"model": "claude-test",
				"usage": map[string]any{"input_tokens": 12},
			},
		}))
		fmt.Fprint(w, sseEvent(map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": "Hello "},
		}))
		fmt.Fprint(w, sseEvent(map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": "world"},
		}))
		fmt.Fprint(w, sseEvent(map[string]any{
			"type":  "message_delta",
			"usage": map[string]any{"output_tokens": 7},
		}))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "sk-test", BaseURL: srv.URL}, newTestLogger())
	turn, err := client.StartTurn(context.Background(), TurnRequest{
		Prompt: "say hello",
		System: "be brief",
		Model:  "claude-test",
	})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	frames := collectFrames(t, turn)

	if !gotReq.Stream {
		t.Error("request body stream = false, want true")
	}
	if gotReq.Model != "claude-test" {
		t.Errorf("request model = %q, want claude-test", gotReq.Model)
	}
	if gotReq.System != "be brief" {
		t.Errorf("request system = %q, want %q", gotReq.System, "be brief")
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" || gotReq.Messages[0].Content != "say hello" {
		t.Errorf("request messages = %+v, want one user message", gotReq.Messages)
	}

	var text strings.Builder
	var status *stream.StatusPayload
	var usage *stream.UsageSummary
	for _, f := range frames {
		switch f.Type {
		case stream.EventText:
			text.WriteString(f.Data)
		case stream.EventStatus:
			p, perr := f.Status()
			if perr != nil {
				t.Fatalf("malformed status frame: %v", perr)
			}
			status = p
		case stream.EventResult:
			p, perr := f.Result()
			if perr != nil {
				t.Fatalf("malformed result frame: %v", perr)
			}
			usage = p.Usage
		}
	}

	if got := text.String(); got != "Hello world" {
		t.Errorf("accumulated text = %q, want %q", got, "Hello world")
	}
	if status == nil {
		t.Fatal("no status frame received")
	}
	if status.Model != "claude-test" {
		t.Errorf("status model = %q, want claude-test", status.Model)
	}
	if status.SessionID != "" {
		t.Errorf("status session_id = %q, want empty", status.SessionID)
	}
	if usage == nil {
		t.Fatal("no result frame with usage received")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want input 12 output 7", usage)
	}
	if last := frames[len(frames)-1]; last.Type != stream.EventDone {
		t.Errorf("last frame type = %q, want done", last.Type)
	}
}

func TestStartTurn_ErrorEventBecomesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseEvent(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
		}))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "sk-test", BaseURL: srv.URL}, newTestLogger())
	turn, err := client.StartTurn(context.Background(), TurnRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	frames := collectFrames(t, turn)

	var errFrame *stream.Frame
	for _, f := range frames {
		if f.Type == stream.EventError {
			errFrame = f
		}
	}
	if errFrame == nil {
		t.Fatal("no error frame received")
	}
	if errFrame.Data != "Overloaded" {
		t.Errorf("error frame data = %q, want Overloaded", errFrame.Data)
	}
	if last := frames[len(frames)-1]; last.Type != stream.EventDone {
		t.Errorf("last frame type = %q, want done", last.Type)
	}
}

func TestStartTurn_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "bad", BaseURL: srv.URL}, newTestLogger())
	_, err := client.StartTurn(context.Background(), TurnRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("StartTurn() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want mention of status 401", err)
	}
}

func TestStartTurn_DefaultModelApplied(t *testing.T) {
	var gotReq messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "sk-test", BaseURL: srv.URL, Model: "configured-model"}, newTestLogger())
	turn, err := client.StartTurn(context.Background(), TurnRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	collectFrames(t, turn)

	if gotReq.Model != "configured-model" {
		t.Errorf("request model = %q, want configured-model", gotReq.Model)
	}
}

func TestRespondPermission_Unsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Options{APIKey: "sk-test", BaseURL: srv.URL}, newTestLogger())
	turn, err := client.StartTurn(context.Background(), TurnRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	defer collectFrames(t, turn)

	if err := turn.RespondPermission("req-1", stream.Decision{Behavior: stream.DecisionAllow}); err == nil {
		t.Error("RespondPermission() error = nil, want non-nil")
	}
}
