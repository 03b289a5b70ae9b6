package agentcli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
	"go.uber.org/zap"
)

// Options configures a Runner.
type Options struct {
	// CLIPath is an explicit path to the agent CLI binary. Empty means
	// discover via well-known locations and PATH.
	CLIPath string

	// Model is the default model for turns that do not specify one.
	Model string

	// PermissionMode is passed to the CLI; "default" routes sensitive tool
	// calls through permission control requests.
	PermissionMode string

	// WorkingDirectory is the default working directory for agent runs.
	WorkingDirectory string
}

// Runner starts agent CLI subprocesses, one per turn.
type Runner struct {
	cliPath string
	opts    Options
	creds   *Credentials
	logger  *logger.Logger
}

// NewRunner locates the CLI binary and resolves credentials.
func NewRunner(opts Options, log *logger.Logger) (*Runner, error) {
	cliPath, err := FindCLI(opts.CLIPath)
	if err != nil {
		return nil, err
	}

	creds, err := ResolveCredentials()
	if err != nil {
		return nil, err
	}

	log.Info("agent CLI ready",
		zap.String("path", cliPath),
		zap.String("credential_source", creds.Source))

	return &Runner{
		cliPath: cliPath,
		opts:    opts,
		creds:   creds,
		logger:  log.WithFields(zap.String("component", "agentcli-runner")),
	}, nil
}

// TurnRequest describes one turn to run against the upstream agent.
type TurnRequest struct {
	Prompt        string
	SystemContext string
	Model         string
	// CorrelationID is the upstream session id of a previous turn; when set
	// the CLI resumes that conversation.
	CorrelationID string
	WorkingDir    string
}

// BuildPrompt assembles the full prompt sent upstream, prepending the system
// context when present.
func BuildPrompt(systemContext, prompt string) string {
	if systemContext == "" {
		return prompt
	}
	return fmt.Sprintf("[System Context]\n%s\n\n[User Message]\n%s", systemContext, prompt)
}

// Turn is one running agent CLI subprocess. Frames become available on
// Frames() as the agent streams; the channel is closed exactly once, after a
// terminal done frame, when the process exits.
type Turn struct {
	frames chan *stream.Frame
	client *Client
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	ctx    context.Context
	cancel context.CancelFunc

	doneOnce  sync.Once
	closeOnce sync.Once
	logger    *logger.Logger
}

// StartTurn spawns the CLI for one turn and begins streaming. Cancelling ctx
// or calling Stop kills the subprocess.
func (r *Runner) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	turnCtx, cancel := context.WithCancel(ctx)

	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--verbose",
	}

	model := req.Model
	if model == "" {
		model = r.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if r.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", r.opts.PermissionMode)
	}
	if req.CorrelationID != "" {
		args = append(args, "--resume", req.CorrelationID)
	}

	cmd := exec.CommandContext(turnCtx, r.cliPath, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else if r.opts.WorkingDirectory != "" {
		cmd.Dir = r.opts.WorkingDirectory
	}
	cmd.Env = append(os.Environ(), r.creds.Environ()...)

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open CLI stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open CLI stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to spawn agent CLI: %w", err)
	}

	t := &Turn{
		frames: make(chan *stream.Frame, 64),
		cmd:    cmd,
		stderr: stderr,
		ctx:    turnCtx,
		cancel: cancel,
		logger: r.logger.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}

	t.client = NewClient(stdin, stdout, r.logger)
	t.client.SetMessageHandler(t.handleMessage)
	t.client.SetRequestHandler(t.handleControlRequest)
	t.client.SetRawHandler(t.handleRawLine)
	finished := t.client.Start(turnCtx)

	if err := t.client.SendUserMessage(BuildPrompt(req.SystemContext, req.Prompt)); err != nil {
		t.Stop()
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	go t.waitForExit(finished)

	return t, nil
}

// Frames returns the outbound frame stream for this turn.
func (t *Turn) Frames() <-chan *stream.Frame {
	return t.frames
}

// Stop kills the subprocess. Safe to call more than once.
func (t *Turn) Stop() {
	t.cancel()
	t.client.Stop()
}

// RespondPermission delivers a permission decision to the CLI for the given
// control request id.
func (t *Turn) RespondPermission(requestID string, d stream.Decision) error {
	result := &PermissionResult{Behavior: d.Behavior}
	if d.Behavior == stream.DecisionAllow {
		result.UpdatedInput = d.Input
	} else {
		result.Message = d.Message
	}

	return t.client.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response: &ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	})
}

func (t *Turn) emit(f *stream.Frame) {
	select {
	case t.frames <- f:
	case <-t.ctx.Done():
	}
}

func (t *Turn) handleMessage(msg *CLIMessage) {
	for _, f := range convertMessage(msg) {
		t.emit(f)
	}
}

// handleRawLine forwards non-protocol stdout lines as plain text, matching
// CLI builds that interleave free text with the JSON stream.
func (t *Turn) handleRawLine(line []byte) {
	text := strings.TrimSpace(string(line))
	if text == "" {
		return
	}
	t.emit(stream.NewFrame(stream.EventText, text))
}

func (t *Turn) handleControlRequest(requestID string, req *ControlRequest) {
	if req.Subtype != SubtypeCanUseTool {
		t.logger.Warn("unsupported control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := t.client.SendControlResponse(&ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response:  &ControlResponse{Subtype: "error", Error: "unsupported control request"},
		}); err != nil {
			t.logger.Warn("failed to reject control request", zap.Error(err))
		}
		return
	}

	suggestions := make([]stream.PermissionSuggestion, 0, len(req.PermissionSuggestions))
	for _, s := range req.PermissionSuggestions {
		suggestions = append(suggestions, stream.PermissionSuggestion{
			Tool:    s.Tool,
			Pattern: s.Pattern,
			Allow:   s.Allow,
		})
	}

	f, err := stream.NewJSONFrame(stream.EventPermissionRequest, stream.PermissionRequest{
		ID:          requestID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		Suggestions: suggestions,
	})
	if err != nil {
		t.logger.Error("failed to encode permission request", zap.Error(err))
		return
	}
	t.emit(f)
}

// waitForExit reaps the subprocess after the read loop drains stdout, then
// terminates the frame stream.
func (t *Turn) waitForExit(finished <-chan struct{}) {
	<-finished

	err := t.cmd.Wait()
	if err != nil && t.ctx.Err() == nil {
		detail := strings.TrimSpace(t.stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		t.logger.Warn("agent CLI exited with error", zap.Error(err))
		t.emit(stream.NewFrame(stream.EventError, fmt.Sprintf("agent exited: %s", detail)))
	} else {
		t.logger.Debug("agent CLI exited")
	}

	t.doneOnce.Do(func() {
		t.emit(stream.NewFrame(stream.EventDone, ""))
	})
	t.closeOnce.Do(func() {
		close(t.frames)
	})
}
