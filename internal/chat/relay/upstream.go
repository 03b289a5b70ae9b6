package relay

import (
	"context"

	"github.com/chatrelay/chatrelay/pkg/agentcli"
	"github.com/chatrelay/chatrelay/pkg/anthropic"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

// Upstream opens agent turns. Implemented by the agent CLI runner; tests
// substitute a fake.
type Upstream interface {
	StartTurn(ctx context.Context, req agentcli.TurnRequest) (UpstreamTurn, error)
}

// UpstreamTurn is one in-flight agent turn.
type UpstreamTurn interface {
	// Frames yields the turn's outbound frames; closed when the turn ends.
	Frames() <-chan *stream.Frame

	// RespondPermission delivers a decision for a surfaced permission
	// request id.
	RespondPermission(requestID string, d stream.Decision) error

	// Stop aborts the turn. Safe to call more than once.
	Stop()
}

type runnerUpstream struct {
	runner *agentcli.Runner
}

// NewRunnerUpstream adapts an agentcli.Runner to the Upstream interface.
func NewRunnerUpstream(r *agentcli.Runner) Upstream {
	return &runnerUpstream{runner: r}
}

func (u *runnerUpstream) StartTurn(ctx context.Context, req agentcli.TurnRequest) (UpstreamTurn, error) {
	turn, err := u.runner.StartTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	return turn, nil
}

type anthropicUpstream struct {
	client *anthropic.Client
}

// NewAnthropicUpstream adapts the direct Messages API client to the Upstream
// interface. Used when no agent CLI binary is installed; turns stream text
// only, with no tool use or permission prompts.
func NewAnthropicUpstream(c *anthropic.Client) Upstream {
	return &anthropicUpstream{client: c}
}

func (u *anthropicUpstream) StartTurn(ctx context.Context, req agentcli.TurnRequest) (UpstreamTurn, error) {
	turn, err := u.client.StartTurn(ctx, anthropic.TurnRequest{
		Prompt: req.Prompt,
		System: req.SystemContext,
		Model:  req.Model,
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}
