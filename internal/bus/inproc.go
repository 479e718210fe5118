package bus

import (
	"context"
	"sync"
)

// InProc is a Bus that delivers messages synchronously within one process.
// It backs single-binary deployments where agents are goroutines, and tests.
type InProc struct {
	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[string]map[int]Handler
}

var _ Bus = (*InProc)(nil)

// NewInProc creates an in-process bus.
func NewInProc() *InProc {
	return &InProc{handlers: make(map[string]map[int]Handler)}
}

// PublishToAgent delivers a message to the agent's subscribers.
func (b *InProc) PublishToAgent(ctx context.Context, agentID string, msg Message) error {
	return b.publish(ctx, AgentSubject(agentID), msg)
}

// PublishEvent delivers a message to event subscribers.
func (b *InProc) PublishEvent(ctx context.Context, msg Message) error {
	return b.publish(ctx, EventsSubject, msg)
}

func (b *InProc) publish(ctx context.Context, subject string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Snapshot handlers so delivery happens outside the lock; a handler may
	// publish or subscribe re-entrantly.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	var targets []Handler
	for _, h := range b.handlers[subject] {
		targets = append(targets, h)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(msg)
	}
	return nil
}

// SubscribeEvents delivers every event message to the handler.
func (b *InProc) SubscribeEvents(handler Handler) (func(), error) {
	return b.subscribe(EventsSubject, handler)
}

// SubscribeAgent delivers one agent's messages to the handler.
func (b *InProc) SubscribeAgent(agentID string, handler Handler) (func(), error) {
	return b.subscribe(AgentSubject(agentID), handler)
}

func (b *InProc) subscribe(subject string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[subject] == nil {
		b.handlers[subject] = make(map[int]Handler)
	}
	b.handlers[subject][id] = handler

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[subject], id)
	}
	return cancel, nil
}

// Close stops all delivery. Subsequent publishes are silently dropped.
func (b *InProc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[int]Handler)
	return nil
}
