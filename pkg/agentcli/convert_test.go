package agentcli

import (
	"encoding/json"
	"testing"

	"github.com/chatrelay/chatrelay/pkg/stream"
)

func parseCLIMessage(t *testing.T, line string) *CLIMessage {
	t.Helper()
	var msg CLIMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("failed to parse CLI message: %v", err)
	}
	return &msg
}

func TestConvertMessage_System(t *testing.T) {
	msg := parseCLIMessage(t, `{"type":"system","subtype":"init","session_id":"up-42","model":"claude-sonnet-4-20250514"}`)

	frames := convertMessage(msg)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != stream.EventStatus {
		t.Fatalf("Type = %q, want status", frames[0].Type)
	}

	status, err := frames[0].Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.SessionID != "up-42" {
		t.Errorf("SessionID = %q, want up-42", status.SessionID)
	}
	if status.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q, want claude-sonnet-4-20250514", status.Model)
	}
}

func TestConvertMessage_AssistantBlocks(t *testing.T) {
	msg := parseCLIMessage(t, `{"type":"assistant","message":{"role":"assistant","content":[`+
		`{"type":"text","text":"Let me check."},`+
		`{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}`+
		`]}}`)

	frames := convertMessage(msg)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	if frames[0].Type != stream.EventText || frames[0].Data != "Let me check." {
		t.Errorf("frame 0 = %s %q, want text frame", frames[0].Type, frames[0].Data)
	}

	rec, err := frames[1].ToolUse()
	if err != nil {
		t.Fatalf("ToolUse() error = %v", err)
	}
	if rec.ID != "tu-1" || rec.Name != "Bash" {
		t.Errorf("ToolUse() = %+v, want id=tu-1 name=Bash", rec)
	}
}

func TestConvertMessage_ToolResult(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "string content",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"file.txt"}]}}`,
			want: "file.txt",
		},
		{
			name: "block list content",
			line: `{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			want: "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := convertMessage(parseCLIMessage(t, tt.line))
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			rec, err := frames[0].ToolResult()
			if err != nil {
				t.Fatalf("ToolResult() error = %v", err)
			}
			if rec.ToolUseID != "tu-1" {
				t.Errorf("ToolUseID = %q, want tu-1", rec.ToolUseID)
			}
			if rec.Content != tt.want {
				t.Errorf("Content = %q, want %q", rec.Content, tt.want)
			}
		})
	}
}

func TestConvertMessage_Result(t *testing.T) {
	msg := parseCLIMessage(t, `{"type":"result","subtype":"success","result":"All done.",`+
		`"total_input_tokens":120,"total_output_tokens":45,"cost_usd":0.0042,"duration_ms":5300}`)

	frames := convertMessage(msg)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Type != stream.EventResult {
		t.Fatalf("Type = %q, want result", frames[0].Type)
	}

	res, err := frames[0].Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if res.Text != "All done." {
		t.Errorf("Text = %q, want %q", res.Text, "All done.")
	}
	if res.Usage == nil || res.Usage.InputTokens != 120 || res.Usage.OutputTokens != 45 {
		t.Errorf("Usage = %+v, want input=120 output=45", res.Usage)
	}
	if res.Usage.CostUSD != 0.0042 {
		t.Errorf("CostUSD = %v, want 0.0042", res.Usage.CostUSD)
	}
}

func TestConvertMessage_Unknown(t *testing.T) {
	msg := parseCLIMessage(t, `{"type":"stream_event","index":0}`)
	if frames := convertMessage(msg); frames != nil {
		t.Errorf("got %d frames for unknown message type, want none", len(frames))
	}
}

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt("", "hi"); got != "hi" {
		t.Errorf("BuildPrompt with empty context = %q, want %q", got, "hi")
	}

	got := BuildPrompt("You are terse.", "hi")
	want := "[System Context]\nYou are terse.\n\n[User Message]\nhi"
	if got != want {
		t.Errorf("BuildPrompt = %q, want %q", got, want)
	}
}
