package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func jsonFrame(t *testing.T, typ stream.EventType, v any) *stream.Frame {
	t.Helper()
	f, err := stream.NewJSONFrame(typ, v)
	require.NoError(t, err)
	return f
}

// frameServer streams the given frames and closes.
func frameServer(t *testing.T, frames ...*stream.Frame) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			w.Write(f.Encode())
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// holdingServer streams head frames, then blocks until release is closed or
// the client goes away, then streams tail frames.
func holdingServer(t *testing.T, head []*stream.Frame, release chan struct{}, tail []*stream.Frame) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range head {
			w.Write(f.Encode())
			flusher.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		for _, f := range tail {
			w.Write(f.Encode())
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestConsumer(baseURL string) *Consumer {
	return NewConsumer(Options{
		BaseURL:          baseURL,
		SessionID:        "s1",
		StatusClearDelay: 20 * time.Millisecond,
		Logger:           testLogger(),
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendFullTurnScenario(t *testing.T) {
	srv := frameServer(t,
		stream.NewFrame(stream.EventText, "Hi"),
		jsonFrame(t, stream.EventToolUse, stream.ToolUseRecord{ID: "t1", Name: "Bash", Input: map[string]any{"command": "ls"}}),
		jsonFrame(t, stream.EventToolResult, stream.ToolResultRecord{ToolUseID: "t1", Content: "file.txt"}),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "run ls", nil))

	assert.Equal(t, "Hi", c.AccumulatedText())

	uses := c.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "t1", uses[0].ID)
	assert.Equal(t, "Bash", uses[0].Name)

	results := c.ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ToolUseID)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, stream.RoleUser, msgs[0].Role)
	assert.Equal(t, stream.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.Equal(t, StateIdle, c.State())
}

func TestToolUseDeduplicatedByID(t *testing.T) {
	use := stream.ToolUseRecord{ID: "t1", Name: "Bash"}
	srv := frameServer(t,
		jsonFrame(t, stream.EventToolUse, use),
		jsonFrame(t, stream.EventToolUse, use),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "go", nil))
	assert.Len(t, c.ToolUses(), 1)
}

func TestFirstToolResultWinsInPairingView(t *testing.T) {
	srv := frameServer(t,
		jsonFrame(t, stream.EventToolUse, stream.ToolUseRecord{ID: "t1", Name: "Bash"}),
		jsonFrame(t, stream.EventToolResult, stream.ToolResultRecord{ToolUseID: "t1", Content: "first"}),
		jsonFrame(t, stream.EventToolResult, stream.ToolResultRecord{ToolUseID: "t1", Content: "second"}),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "go", nil))

	// Duplicates are kept in the list but the pairing view shows the first.
	assert.Len(t, c.ToolResults(), 2)
	r, ok := c.ResultFor("t1")
	require.True(t, ok)
	assert.Equal(t, "first", r.Content)
}

func TestCancellationPreservesPartialText(t *testing.T) {
	release := make(chan struct{})
	srv := holdingServer(t,
		[]*stream.Frame{
			stream.NewFrame(stream.EventText, "Hello, "),
			stream.NewFrame(stream.EventText, "world"),
		},
		release, nil)

	c := newTestConsumer(srv.URL)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi", nil) }()

	waitFor(t, func() bool { return c.AccumulatedText() == "Hello, world" }, "text never arrived")
	c.Cancel()
	<-done

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello, world\n\n*(generation stopped)*", msgs[1].Content)
	assert.Equal(t, StateIdle, c.State())

	// Repeated cancels after completion are no-ops.
	c.Cancel()
	c.Cancel()
}

func TestErrorFramePreservesPartialText(t *testing.T) {
	srv := frameServer(t,
		stream.NewFrame(stream.EventText, "partial answer"),
		stream.NewFrame(stream.EventError, "upstream exploded"),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "hi", nil))

	// Partial text is annotated with the error suffix and surfaced as the
	// final transcript entry, never discarded.
	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answer\n\nError: upstream exploded", msgs[1].Content)
}

func TestErrorFrameWithoutTextFinalizesErrorAlone(t *testing.T) {
	srv := frameServer(t,
		stream.NewFrame(stream.EventError, "upstream exploded"),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "hi", nil))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Error: upstream exploded", msgs[1].Content)
}

func TestTransportFailureFinalizesErrorString(t *testing.T) {
	// A connection that dies mid-stream is a transport failure: the
	// finalized entry is the formatted error string, with no partial text
	// merged in.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		defer conn.Close()
		frame := stream.NewFrame(stream.EventText, "half").Encode()
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: 4096\r\n\r\n")
		buf.Write(frame)
		buf.Flush()
	}))
	t.Cleanup(srv.Close)

	c := newTestConsumer(srv.URL)
	err := c.Send(context.Background(), "hi", nil)
	require.Error(t, err)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "Error: stream read failed"), msgs[1].Content)
	assert.NotContains(t, msgs[1].Content, "half")
	assert.Equal(t, StateIdle, c.State())
}

func TestRejectedTurnReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "Missing session_id or content"}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestConsumer(srv.URL)
	err := c.Send(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing session_id or content")
	assert.Equal(t, StateIdle, c.State())
}

func TestSecondSendRejectedWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	srv := holdingServer(t,
		[]*stream.Frame{stream.NewFrame(stream.EventText, "working")},
		release,
		[]*stream.Frame{stream.NewFrame(stream.EventDone, "")})

	c := newTestConsumer(srv.URL)

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "first", nil) }()
	waitFor(t, func() bool { return c.State() == StateStreaming }, "first turn never started streaming")

	err := c.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrTurnInFlight)

	// The first turn is untouched.
	assert.Equal(t, "working", c.AccumulatedText())
	require.Len(t, c.Messages(), 1)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "working", c.Messages()[1].Content)
}

func TestToolOutputRingBufferCapped(t *testing.T) {
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'a'
	}
	tail := make([]byte, 3000)
	for i := range tail {
		tail[i] = 'b'
	}

	srv := frameServer(t,
		stream.NewFrame(stream.EventToolOutput, string(long)),
		stream.NewFrame(stream.EventToolOutput, string(tail)),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "hi", nil))

	out := c.ToolOutput()
	assert.Len(t, out, 5000)
	// The newest output survives; the oldest is discarded.
	assert.Equal(t, byte('b'), out[len(out)-1])
	assert.Equal(t, byte('a'), out[0])
}

func TestToolOutputCapKeepsRuneBoundaries(t *testing.T) {
	head := strings.Repeat("x", 4999)
	srv := frameServer(t,
		stream.NewFrame(stream.EventToolOutput, head),
		// 3-byte runes that straddle the cap after trimming.
		stream.NewFrame(stream.EventToolOutput, "日本語"),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "hi", nil))

	out := c.ToolOutput()
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasSuffix(out, "日本語"))
}

func TestToolOutputProgressMarkerBecomesStatus(t *testing.T) {
	release := make(chan struct{})
	srv := holdingServer(t,
		[]*stream.Frame{jsonFrame(t, stream.EventToolOutput, stream.ToolProgress{ToolName: "Bash", ElapsedSeconds: 12})},
		release,
		[]*stream.Frame{stream.NewFrame(stream.EventDone, "")})

	c := newTestConsumer(srv.URL)
	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi", nil) }()

	waitFor(t, func() bool { return c.StatusText() == "Bash running (12s)" }, "progress status never surfaced")
	assert.Empty(t, c.ToolOutput())

	close(release)
	require.NoError(t, <-done)
}

func TestConnectedStatusAutoClears(t *testing.T) {
	release := make(chan struct{})
	srv := holdingServer(t,
		[]*stream.Frame{jsonFrame(t, stream.EventStatus, stream.StatusPayload{SessionID: "upstream-1"})},
		release,
		[]*stream.Frame{stream.NewFrame(stream.EventDone, "")})

	c := NewConsumer(Options{
		BaseURL:          srv.URL,
		SessionID:        "s1",
		StatusClearDelay: 150 * time.Millisecond,
		Logger:           testLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi", nil) }()

	waitFor(t, func() bool { return c.StatusText() == "connected" }, "connected status never surfaced")
	waitFor(t, func() bool { return c.StatusText() == "" }, "connected status never auto-cleared")

	close(release)
	require.NoError(t, <-done)
}

func TestResultCachesUsageAndClearsStatus(t *testing.T) {
	srv := frameServer(t,
		stream.NewFrame(stream.EventText, "answer"),
		jsonFrame(t, stream.EventStatus, stream.StatusPayload{Message: "thinking"}),
		jsonFrame(t, stream.EventResult, stream.ResultPayload{Usage: &stream.UsageSummary{InputTokens: 5, OutputTokens: 7}}),
		stream.NewFrame(stream.EventDone, ""),
	)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "q", nil))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[1].Usage)
	assert.Equal(t, int64(5), msgs[1].Usage.InputTokens)
	assert.Equal(t, int64(7), msgs[1].Usage.OutputTokens)
	assert.Empty(t, c.StatusText())
}

func TestMalformedFrameSkippedWithoutTerminating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {not json}\n\n"))
		w.Write(stream.NewFrame(stream.EventText, "still here").Encode())
		w.Write(stream.NewFrame(stream.EventDone, "").Encode())
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "hi", nil))
	assert.Equal(t, "still here", c.AccumulatedText())
}

func TestPermissionRequestSurfacedAndDecisionSubmitted(t *testing.T) {
	var mu sync.Mutex
	var submitted map[string]string

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		f := jsonFrame(t, stream.EventPermissionRequest, stream.PermissionRequest{
			ID: "perm-1", ToolName: "Bash", Input: map[string]any{"command": "rm"},
		})
		w.Write(f.Encode())
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write(stream.NewFrame(stream.EventDone, "").Encode())
	})
	mux.HandleFunc("/api/chat/permissions/respond", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		submitted = body
		mu.Unlock()
		w.Write([]byte(`{"resolved": true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := newTestConsumer(srv.URL)
	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi", nil) }()

	waitFor(t, func() bool {
		p, _ := c.PendingPermission()
		return p != nil && p.ID == "perm-1"
	}, "permission request never surfaced")

	c.SubmitDecision("perm-1", "allow")

	// The local flag flips immediately, before the HTTP call lands.
	_, resolved := c.PendingPermission()
	assert.True(t, resolved)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return submitted != nil
	}, "decision never reached the endpoint")

	mu.Lock()
	assert.Equal(t, "perm-1", submitted["permissionRequestId"])
	assert.Equal(t, "allow", submitted["decision"])
	mu.Unlock()

	close(release)
	require.NoError(t, <-done)
}

func TestAttachmentSentinelEmbedded(t *testing.T) {
	srv := frameServer(t, stream.NewFrame(stream.EventDone, ""))

	c := newTestConsumer(srv.URL)
	require.NoError(t, c.Send(context.Background(), "see file", []stream.FileAttachment{
		{ID: "f1", Name: "notes.txt", Type: "text/plain", Size: 9},
	}))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "see file")
	assert.Contains(t, msgs[0].Content, "<!-- attachment:")
	assert.Contains(t, msgs[0].Content, `"name":"notes.txt"`)
}

func TestObserverReceivesUpdates(t *testing.T) {
	srv := frameServer(t,
		stream.NewFrame(stream.EventText, "Hi"),
		jsonFrame(t, stream.EventToolUse, stream.ToolUseRecord{ID: "t1", Name: "Bash"}),
		stream.NewFrame(stream.EventDone, ""),
	)

	obs := &recordingObserver{}
	c := NewConsumer(Options{
		BaseURL:          srv.URL,
		SessionID:        "s1",
		Observer:         obs,
		StatusClearDelay: 20 * time.Millisecond,
		Logger:           testLogger(),
	})
	require.NoError(t, c.Send(context.Background(), "hi", nil))

	assert.Contains(t, obs.states(), StateStreaming)
	assert.Contains(t, obs.states(), StateIdle)
	assert.Equal(t, []string{"Hi"}, obs.textDeltas())
	require.Len(t, obs.uses, 1)
}

type recordingObserver struct {
	mu         sync.Mutex
	stateSeen  []State
	texts      []string
	uses       []*stream.ToolUseRecord
	results    []*stream.ToolResultRecord
	perms      []*stream.PermissionRequest
	statusSeen []string
}

func (o *recordingObserver) OnStateChange(s State) {
	o.mu.Lock()
	o.stateSeen = append(o.stateSeen, s)
	o.mu.Unlock()
}
func (o *recordingObserver) OnTextDelta(acc string) {
	o.mu.Lock()
	o.texts = append(o.texts, acc)
	o.mu.Unlock()
}
func (o *recordingObserver) OnToolUse(rec *stream.ToolUseRecord) {
	o.mu.Lock()
	o.uses = append(o.uses, rec)
	o.mu.Unlock()
}
func (o *recordingObserver) OnToolResult(rec *stream.ToolResultRecord) {
	o.mu.Lock()
	o.results = append(o.results, rec)
	o.mu.Unlock()
}
func (o *recordingObserver) OnToolOutput(string) {}
func (o *recordingObserver) OnPermissionRequest(req *stream.PermissionRequest) {
	o.mu.Lock()
	o.perms = append(o.perms, req)
	o.mu.Unlock()
}
func (o *recordingObserver) OnStatus(s string) {
	o.mu.Lock()
	o.statusSeen = append(o.statusSeen, s)
	o.mu.Unlock()
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.stateSeen))
	copy(out, o.stateSeen)
	return out
}

func (o *recordingObserver) textDeltas() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.texts))
	copy(out, o.texts)
	return out
}
