package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS is a Bus backed by a NATS connection.
type NATS struct {
	conn *nats.Conn
}

var _ Bus = (*NATS)(nil)

// ConnectNATS connects to the NATS server at the given URL and wraps the
// connection in a Bus.
func ConnectNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.Name("dispatch"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATS{conn: conn}, nil
}

// NewNATS wraps an existing connection. The caller keeps ownership; Close
// drains it.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// PublishToAgent sends a message to one agent's subject.
func (b *NATS) PublishToAgent(_ context.Context, agentID string, msg Message) error {
	return b.publish(AgentSubject(agentID), msg)
}

// PublishEvent sends a message on the shared event subject.
func (b *NATS) PublishEvent(_ context.Context, msg Message) error {
	return b.publish(EventsSubject, msg)
}

func (b *NATS) publish(subject string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeEvents delivers every event-subject message to the handler.
func (b *NATS) SubscribeEvents(handler Handler) (func(), error) {
	return b.subscribe(EventsSubject, handler)
}

// SubscribeAgent delivers one agent's messages to the handler.
func (b *NATS) SubscribeAgent(agentID string, handler Handler) (func(), error) {
	return b.subscribe(AgentSubject(agentID), handler)
}

func (b *NATS) subscribe(subject string, handler Handler) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			// Malformed traffic on our subjects is dropped, not fatal.
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the connection. In-flight messages are flushed
// before the connection drops.
func (b *NATS) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
