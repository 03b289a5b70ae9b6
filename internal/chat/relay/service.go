// Package relay forwards upstream agent turns onto an outbound event stream.
// It validates turn-start requests, persists transcript entries, taps status
// frames for the upstream correlation id, and bridges permission requests to
// the coordinator — while passing every frame through unmodified.
package relay

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/chat/permission"
	"github.com/chatrelay/chatrelay/internal/chat/session"
	"github.com/chatrelay/chatrelay/internal/chat/streaming"
	"github.com/chatrelay/chatrelay/internal/common/errors"
	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/internal/events/bus"
	"github.com/chatrelay/chatrelay/pkg/agentcli"
	"github.com/chatrelay/chatrelay/pkg/stream"
)

// FrameWriter is the outbound sink for one turn's stream.
type FrameWriter interface {
	WriteFrame(f *stream.Frame) error
}

// Service orchestrates chat turns.
type Service struct {
	store    session.Store
	perms    *permission.Coordinator
	upstream Upstream
	hub      *streaming.Hub // optional frame mirror
	bus      bus.EventBus   // optional lifecycle events
	logger   *logger.Logger
}

// NewService creates the relay service. hub and eventBus may be nil.
func NewService(store session.Store, perms *permission.Coordinator, upstream Upstream, hub *streaming.Hub, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		perms:    perms,
		upstream: upstream,
		hub:      hub,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "relay")),
	}
}

// StreamTurn runs one turn: persists the user message, opens the upstream
// source, and forwards every frame verbatim to sink until exhaustion, error,
// or cancellation of ctx. A non-nil error is returned only for failures
// before the upstream opens; later failures surface as in-stream error
// frames.
func (s *Service) StreamTurn(ctx context.Context, req *ChatRequest, sink FrameWriter) error {
	log := s.logger.WithFields(zap.String("session_id", req.SessionID))

	userMsg := stream.NewChatMessage(uuid.New().String(), req.SessionID, stream.RoleUser, req.Content)
	if err := s.store.Append(ctx, userMsg); err != nil {
		return errors.Wrap(err, "failed to persist user message")
	}

	history, err := s.store.History(ctx, req.SessionID)
	if err != nil {
		log.Warn("failed to load history", zap.Error(err))
	}
	correlationID, err := s.store.CorrelationID(ctx, req.SessionID)
	if err != nil {
		log.Warn("failed to load correlation id", zap.Error(err))
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turn, err := s.upstream.StartTurn(turnCtx, agentcli.TurnRequest{
		Prompt:        promptWithAttachments(req),
		SystemContext: assembleContext(req.SystemContext, history, correlationID),
		Model:         req.Model,
		CorrelationID: correlationID,
		WorkingDir:    req.WorkingDirectory,
	})
	if err != nil {
		log.Error("failed to open upstream", zap.Error(err))
		_ = sink.WriteFrame(stream.NewFrame(stream.EventError, err.Error()))
		_ = sink.WriteFrame(stream.NewFrame(stream.EventDone, ""))
		s.publish(ctx, bus.SubjectTurnFailed, req.SessionID, map[string]interface{}{"error": err.Error()})
		return nil
	}
	defer turn.Stop()

	s.publish(ctx, bus.SubjectTurnStarted, req.SessionID, nil)
	log.Info("turn started", zap.Bool("resume", correlationID != ""))

	var accumulated strings.Builder
	var usage *stream.UsageSummary
	var failure string
	captured := correlationID != ""

	for f := range turn.Frames() {
		switch f.Type {
		case stream.EventStatus:
			// Correlation-id tap. Best effort: a payload that does not
			// decode, or carries no session id, is left for the next
			// status frame.
			if !captured {
				if p, perr := f.Status(); perr == nil && p.SessionID != "" {
					if serr := s.store.SetCorrelationID(ctx, req.SessionID, p.SessionID); serr != nil {
						log.Warn("failed to persist correlation id", zap.Error(serr))
					} else {
						captured = true
						log.Info("captured correlation id", zap.String("correlation_id", p.SessionID))
					}
				}
			}
		case stream.EventText:
			accumulated.WriteString(f.Data)
		case stream.EventResult:
			if p, perr := f.Result(); perr == nil {
				usage = p.Usage
				if p.Text != "" && accumulated.Len() == 0 {
					accumulated.WriteString(p.Text)
				}
			}
		case stream.EventError:
			failure = f.Data
		case stream.EventPermissionRequest:
			s.bridgePermission(turnCtx, turn, f, req.SessionID, log)
		}

		// Forward verbatim regardless of what the tap saw.
		if werr := sink.WriteFrame(f); werr != nil {
			log.Info("outbound sink closed, aborting upstream", zap.Error(werr))
			cancel()
			for range turn.Frames() {
			}
			break
		}
		if s.hub != nil {
			s.hub.Broadcast(req.SessionID, f)
		}
	}

	cancelled := ctx.Err() != nil
	s.finalizeTranscript(ctx, req.SessionID, accumulated.String(), usage, cancelled, log)

	if failure != "" {
		s.publish(ctx, bus.SubjectTurnFailed, req.SessionID, map[string]interface{}{"error": failure})
	} else {
		s.publish(ctx, bus.SubjectTurnCompleted, req.SessionID, nil)
	}
	return nil
}

// finalizeTranscript persists the assistant side of the turn. Accumulated
// text is saved whenever non-empty, including after an in-stream error;
// cancellation adds an explicit marker.
func (s *Service) finalizeTranscript(ctx context.Context, sessionID, text string, usage *stream.UsageSummary, cancelled bool, log *logger.Logger) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if cancelled {
		text += "\n\n*(generation stopped)*"
	}

	msg := stream.NewChatMessage(uuid.New().String(), sessionID, stream.RoleAssistant, text)
	msg.Usage = usage

	// The request context is gone once the client cancels; the write still
	// has to land.
	if err := s.store.Append(context.WithoutCancel(ctx), msg); err != nil {
		log.Warn("failed to persist assistant message", zap.Error(err))
	}
}

// bridgePermission registers the surfaced request with the coordinator and
// delivers the eventual decision back to the upstream turn.
func (s *Service) bridgePermission(ctx context.Context, turn UpstreamTurn, f *stream.Frame, sessionID string, log *logger.Logger) {
	p, err := f.Permission()
	if err != nil {
		log.Warn("malformed permission request frame", zap.Error(err))
		return
	}

	ch := s.perms.Register(ctx, p.ID, p.Input)
	s.publish(ctx, bus.SubjectPermissionRequested, sessionID, map[string]interface{}{
		"permission_request_id": p.ID,
		"tool_name":             p.ToolName,
	})

	go func() {
		d := <-ch
		if err := turn.RespondPermission(p.ID, d); err != nil {
			log.Warn("failed to deliver permission decision",
				zap.String("permission_request_id", p.ID),
				zap.Error(err))
		}
		s.publish(context.WithoutCancel(ctx), bus.SubjectPermissionResolved, sessionID, map[string]interface{}{
			"permission_request_id": p.ID,
			"behavior":              d.Behavior,
		})
	}()
}

// ResolveDecision forwards a human decision to the coordinator. Returns
// false when the id is not pending.
func (s *Service) ResolveDecision(id, decision string) bool {
	return s.perms.Resolve(id, stream.Decision{Behavior: decision})
}

// History returns the stored transcript for a session.
func (s *Service) History(ctx context.Context, sessionID string) ([]*stream.ChatMessage, error) {
	return s.store.History(ctx, sessionID)
}

func (s *Service) publish(ctx context.Context, subject, sessionID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["session_id"] = sessionID
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "chatrelay", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// promptWithAttachments appends inline file attachments to the user prompt.
// Files referenced by path are named but not read; the agent opens them
// itself in its working directory.
func promptWithAttachments(req *ChatRequest) string {
	if len(req.Files) == 0 {
		return req.Content
	}

	var b strings.Builder
	b.WriteString(req.Content)
	for _, f := range req.Files {
		b.WriteString("\n\n[Attached file: ")
		b.WriteString(f.Name)
		b.WriteString("]")
		if f.Data != "" {
			b.WriteString("\n")
			b.WriteString(f.Data)
		} else if f.FilePath != "" {
			b.WriteString("\n(available at ")
			b.WriteString(f.FilePath)
			b.WriteString(")")
		}
	}
	return b.String()
}

// assembleContext folds prior history into the system context when the
// upstream conversation cannot be resumed by correlation id. The user
// message that opened this turn is excluded.
func assembleContext(systemContext string, history []*stream.ChatMessage, correlationID string) string {
	if correlationID != "" || len(history) <= 1 {
		return systemContext
	}

	var b strings.Builder
	if systemContext != "" {
		b.WriteString(systemContext)
		b.WriteString("\n\n")
	}
	b.WriteString("[Prior Conversation]\n")
	for _, msg := range history[:len(history)-1] {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
