// Package permission correlates long-lived agent streams with later,
// independent approval requests. The agent pauses on a tool call, the relay
// surfaces a permission_request frame, and some time later a human's decision
// arrives on a separate HTTP request carrying only the opaque id.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/common/logger"
	"github.com/chatrelay/chatrelay/pkg/stream"
	"go.uber.org/zap"
)

// Decision reasons delivered on implicit denies.
const (
	ReasonTimedOut   = "timed out"
	ReasonAborted    = "Request aborted"
	ReasonSuperseded = "superseded by a newer request"
)

// DefaultTimeout is the lifetime of an untouched pending request.
const DefaultTimeout = 5 * time.Minute

// pendingPermission is one registered, not-yet-resolved approval request.
type pendingPermission struct {
	ch        chan stream.Decision
	toolInput map[string]any
	createdAt time.Time

	// done is closed when the resolver fires; the cancellation watcher
	// uses it to stand down.
	done chan struct{}
	once sync.Once
}

// fire delivers the decision exactly once. The channel is buffered, so
// delivery never blocks even if the awaiter is gone.
func (p *pendingPermission) fire(d stream.Decision) {
	p.once.Do(func() {
		p.ch <- d
		close(p.done)
	})
}

// Coordinator is a mutex-guarded id -> pending-approval registry. Entries
// resolve by explicit decision, timeout sweep, or cancellation; each entry
// resolves exactly once and is removed atomically with resolution.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
	timeout time.Duration
	logger  *logger.Logger
}

// NewCoordinator creates a coordinator. timeout <= 0 selects DefaultTimeout.
func NewCoordinator(timeout time.Duration, log *logger.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		pending: make(map[string]*pendingPermission),
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "permission-coordinator")),
	}
}

// Register creates a pending approval for id and returns the awaitable
// decision channel. The original toolInput is kept for backfill on allow.
// If ctx is cancelled before resolution the entry resolves to a deny with
// ReasonAborted. Expired entries are swept before the new one is created.
// Registering an id that is already pending displaces the earlier awaiter,
// which is unblocked with a deny rather than orphaned.
func (c *Coordinator) Register(ctx context.Context, id string, toolInput map[string]any) <-chan stream.Decision {
	now := time.Now()

	c.mu.Lock()
	c.sweepLocked(now)

	if old, ok := c.pending[id]; ok {
		c.logger.Warn("permission id collision, displacing earlier awaiter", zap.String("id", id))
		delete(c.pending, id)
		old.fire(stream.Decision{Behavior: stream.DecisionDeny, Message: ReasonSuperseded})
	}

	entry := &pendingPermission{
		ch:        make(chan stream.Decision, 1),
		toolInput: toolInput,
		createdAt: now,
		done:      make(chan struct{}),
	}
	c.pending[id] = entry
	c.mu.Unlock()

	c.logger.Debug("permission request registered", zap.String("id", id))

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				if c.remove(id, entry) {
					c.logger.Debug("permission request aborted", zap.String("id", id))
					entry.fire(stream.Decision{Behavior: stream.DecisionDeny, Message: ReasonAborted})
				}
			case <-entry.done:
			}
		}()
	}

	return entry.ch
}

// Resolve delivers a decision for id. Returns false if the id is not pending
// (never registered, already resolved, or expired) — a safe no-op. An allow
// decision without an explicit input is backfilled with the tool input
// recorded at registration.
func (c *Coordinator) Resolve(id string, d stream.Decision) bool {
	c.mu.Lock()
	c.sweepLocked(time.Now())

	entry, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()

	if d.Behavior == stream.DecisionAllow && d.Input == nil {
		d.Input = entry.toolInput
	}
	entry.fire(d)

	c.logger.Debug("permission request resolved",
		zap.String("id", id),
		zap.String("behavior", d.Behavior))
	return true
}

// Pending returns the number of unresolved entries.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run sweeps expired entries on a background ticker until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.mu.Lock()
			c.sweepLocked(now)
			c.mu.Unlock()
		}
	}
}

// remove deletes id if it still maps to entry. Reports whether the caller
// now owns resolution.
func (c *Coordinator) remove(id string, entry *pendingPermission) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.pending[id]
	if !ok || current != entry {
		return false
	}
	delete(c.pending, id)
	return true
}

// sweepLocked force-resolves every entry older than the timeout to a deny.
// Caller holds c.mu.
func (c *Coordinator) sweepLocked(now time.Time) {
	for id, entry := range c.pending {
		if now.Sub(entry.createdAt) <= c.timeout {
			continue
		}
		delete(c.pending, id)
		entry.fire(stream.Decision{Behavior: stream.DecisionDeny, Message: ReasonTimedOut})
		c.logger.Info("permission request timed out", zap.String("id", id))
	}
}
