package agentcli

import (
	"github.com/chatrelay/chatrelay/pkg/stream"
)

// convertMessage translates one CLI protocol message into outbound stream
// frames. Messages that carry nothing for the downstream client yield no
// frames.
func convertMessage(msg *CLIMessage) []*stream.Frame {
	switch msg.Type {
	case MessageTypeSystem:
		return convertSystem(msg)
	case MessageTypeAssistant:
		return convertBlocks(msg)
	case MessageTypeUser:
		return convertBlocks(msg)
	case MessageTypeResult:
		return convertResult(msg)
	default:
		return nil
	}
}

func convertSystem(msg *CLIMessage) []*stream.Frame {
	payload := stream.StatusPayload{
		SessionID: msg.SessionID,
		Model:     msg.Model,
	}
	f, err := stream.NewJSONFrame(stream.EventStatus, payload)
	if err != nil {
		return nil
	}
	return []*stream.Frame{f}
}

func convertBlocks(msg *CLIMessage) []*stream.Frame {
	if msg.Message == nil {
		return nil
	}

	var frames []*stream.Frame
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				frames = append(frames, stream.NewFrame(stream.EventText, block.Text))
			}
		case "tool_use":
			f, err := stream.NewJSONFrame(stream.EventToolUse, stream.ToolUseRecord{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
			if err != nil {
				continue
			}
			frames = append(frames, f)
		case "tool_result":
			f, err := stream.NewJSONFrame(stream.EventToolResult, stream.ToolResultRecord{
				ToolUseID: block.ToolUseID,
				Content:   block.ContentText(),
				IsError:   block.IsError,
			})
			if err != nil {
				continue
			}
			frames = append(frames, f)
		}
	}
	return frames
}

func convertResult(msg *CLIMessage) []*stream.Frame {
	usage := &stream.UsageSummary{
		InputTokens:  msg.TotalInputTokens,
		OutputTokens: msg.TotalOutputTokens,
		CostUSD:      msg.CostUSD,
		DurationMS:   msg.DurationMS,
	}
	if msg.Usage != nil {
		if usage.InputTokens == 0 {
			usage.InputTokens = msg.Usage.InputTokens
		}
		if usage.OutputTokens == 0 {
			usage.OutputTokens = msg.Usage.OutputTokens
		}
	}

	payload := stream.ResultPayload{
		Usage:   usage,
		IsError: msg.IsError,
		Text:    msg.GetResultString(),
	}
	f, err := stream.NewJSONFrame(stream.EventResult, payload)
	if err != nil {
		return nil
	}
	return []*stream.Frame{f}
}
