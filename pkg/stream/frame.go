package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// framePrefix is the event-stream line prefix. Frames are written as
// "data: {json}\n\n" so that browser EventSource clients can consume the
// stream directly; the decoder also accepts bare JSON lines.
var framePrefix = []byte("data: ")

// Frame is one self-contained unit of the outbound event stream.
// Data holds the payload: raw text for text/error frames, a JSON document
// for structured kinds.
type Frame struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

// NewFrame creates a frame with a raw string payload.
func NewFrame(t EventType, data string) *Frame {
	return &Frame{Type: t, Data: data}
}

// NewJSONFrame creates a frame whose payload is the JSON encoding of v.
func NewJSONFrame(t EventType, v any) (*Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return &Frame{Type: t, Data: string(data)}, nil
}

// Encode renders the frame in wire format, including the trailing blank line.
func (f *Frame) Encode() []byte {
	body, err := json.Marshal(f)
	if err != nil {
		// A Frame is two strings; marshaling cannot fail at runtime.
		return nil
	}
	out := make([]byte, 0, len(framePrefix)+len(body)+2)
	out = append(out, framePrefix...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out
}

// DecodeFrame parses one complete line into a frame. The "data: " prefix is
// optional. Blank lines return (nil, nil).
func DecodeFrame(line []byte) (*Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	line = bytes.TrimPrefix(line, framePrefix)

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type discriminator")
	}
	return &f, nil
}

// DecodePayload unmarshals the frame's JSON payload into v.
func (f *Frame) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(f.Data), v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", f.Type, err)
	}
	return nil
}

// ToolUse decodes a tool_use payload.
func (f *Frame) ToolUse() (*ToolUseRecord, error) {
	var rec ToolUseRecord
	if err := f.DecodePayload(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("tool_use payload missing id")
	}
	return &rec, nil
}

// ToolResult decodes a tool_result payload.
func (f *Frame) ToolResult() (*ToolResultRecord, error) {
	var rec ToolResultRecord
	if err := f.DecodePayload(&rec); err != nil {
		return nil, err
	}
	if rec.ToolUseID == "" {
		return nil, fmt.Errorf("tool_result payload missing tool_use_id")
	}
	return &rec, nil
}

// Status decodes a status payload. Status frames may carry arbitrary shapes;
// unknown fields are ignored and an undecodable payload returns an error so
// the caller can fall back to showing the raw data.
func (f *Frame) Status() (*StatusPayload, error) {
	var p StatusPayload
	if err := f.DecodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Result decodes a result payload.
func (f *Frame) Result() (*ResultPayload, error) {
	var p ResultPayload
	if err := f.DecodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Permission decodes a permission_request payload.
func (f *Frame) Permission() (*PermissionRequest, error) {
	var p PermissionRequest
	if err := f.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("permission_request payload missing id")
	}
	return &p, nil
}

// Progress decodes a tool_output payload as a structured progress marker.
// Returns (nil, nil) when the payload is plain text rather than a marker.
func (f *Frame) Progress() (*ToolProgress, error) {
	var p ToolProgress
	if err := json.Unmarshal([]byte(f.Data), &p); err != nil {
		return nil, nil
	}
	if p.ToolName == "" {
		return nil, nil
	}
	return &p, nil
}
