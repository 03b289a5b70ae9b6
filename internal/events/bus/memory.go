package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/common/logger"
)

// MemoryEventBus is an in-process EventBus used when no NATS URL is
// configured. Handlers run asynchronously, one goroutine per delivery,
// matching NATS dispatch semantics closely enough that components cannot
// tell the two apart.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	queue   string // empty for regular subscriptions
	handler EventHandler
	valid   bool // guarded by bus.mu
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish delivers the event to every matching subscription. Queue
// subscriptions receive one delivery per queue group.
func (b *MemoryEventBus) Publish(_ context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	var targets []*memorySubscription
	seenQueues := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.valid || !subjectMatches(sub.subject, subject) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + ":" + sub.subject
			if seenQueues[key] {
				continue
			}
			seenQueues[key] = true
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go func(s *memorySubscription) {
			if err := s.handler(context.Background(), event); err != nil {
				b.logger.Error("Event handler failed",
					zap.String("subject", subject),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}(sub)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.Int("deliveries", len(targets)),
	)
	return nil
}

// Subscribe creates a subscription to a subject pattern. NATS-style
// wildcards are supported: "*" matches one token, ">" the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription; each published event reaches
// one member of the queue group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: handler,
		valid:   true,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Request publishes the event with a reply inbox injected as
// event.Data["reply_to"] and waits for a response on that inbox. Responders
// read reply_to and Publish their answer to it.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	inbox := "_INBOX." + uuid.New().String()
	replyCh := make(chan *Event, 1)

	sub, err := b.Subscribe(inbox, func(_ context.Context, e *Event) error {
		select {
		case replyCh <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["reply_to"] = inbox

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("request to %s timed out after %v", subject, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close invalidates all subscriptions and rejects further operations.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.valid = false
	}
	b.subs = nil
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts operations.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.valid = false
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.valid
}

// subjectMatches implements NATS-style subject matching: tokens separated
// by ".", "*" matching exactly one token, ">" matching one or more trailing
// tokens.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
