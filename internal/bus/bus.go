// Package bus carries messages between the dispatcher and its agents. Two
// implementations exist: a NATS-backed bus for distributed agents and an
// in-process bus for single-binary deployments and tests.
package bus

import (
	"context"
	"time"
)

// Subjects. Agents report on the event subject; the dispatcher addresses
// individual agents on their own subject.
const (
	// EventsSubject is where agents publish completions, failures, and
	// heartbeats.
	EventsSubject = "dispatch.events"
	// agentSubjectPrefix prefixes per-agent assignment subjects.
	agentSubjectPrefix = "dispatch.agents."
)

// AgentSubject returns the subject the given agent listens on.
func AgentSubject(agentID string) string {
	return agentSubjectPrefix + agentID
}

// MessageType identifies the kind of a bus message.
type MessageType string

const (
	// TypeTaskAssigned notifies an agent of new work.
	TypeTaskAssigned MessageType = "task_assigned"
	// TypeTaskCompleted reports an agent finished a task.
	TypeTaskCompleted MessageType = "task_completed"
	// TypeTaskFailed reports an agent failed a task.
	TypeTaskFailed MessageType = "task_failed"
	// TypeHeartbeat reports an agent is alive.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeRegister announces an agent and its capability profile. Agents
	// send it at startup, before their first heartbeat.
	TypeRegister MessageType = "register"
	// TypeRequest submits free-text work to the dispatcher.
	TypeRequest MessageType = "request"
)

// Valid returns true if the message type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskAssigned, TypeTaskCompleted, TypeTaskFailed, TypeHeartbeat, TypeRegister, TypeRequest:
		return true
	default:
		return false
	}
}

// Message is the wire format for dispatcher/agent traffic.
type Message struct {
	// Type identifies the kind of message.
	Type MessageType `json:"type"`
	// AgentID is the reporting or addressed agent.
	AgentID string `json:"agent_id"`
	// TaskID is the task the message concerns, if any.
	TaskID string `json:"task_id,omitempty"`
	// Reason carries the failure reason for TypeTaskFailed.
	Reason string `json:"reason,omitempty"`
	// Text carries the request text for TypeRequest.
	Text string `json:"text,omitempty"`
	// Retry asks the dispatcher to retry a failed task.
	Retry bool `json:"retry,omitempty"`
	// Capabilities maps capability name to strength for TypeRegister.
	Capabilities map[string]float64 `json:"capabilities,omitempty"`
	// Result carries the task result for TypeTaskCompleted and request
	// metadata for TypeRequest.
	Result map[string]any `json:"result,omitempty"`
	// SentAt is when the sender published the message.
	SentAt time.Time `json:"sent_at"`
}

// Handler receives messages from a subscription. Handlers must not block;
// slow work belongs on the handler's own goroutine.
type Handler func(msg Message)

// Bus is the transport between dispatcher and agents.
type Bus interface {
	// PublishToAgent sends a message to one agent's subject.
	PublishToAgent(ctx context.Context, agentID string, msg Message) error
	// PublishEvent sends a message on the shared event subject.
	PublishEvent(ctx context.Context, msg Message) error
	// SubscribeEvents delivers every event-subject message to the handler
	// until the returned cancel function is called.
	SubscribeEvents(handler Handler) (cancel func(), err error)
	// SubscribeAgent delivers one agent's messages to the handler until
	// the returned cancel function is called.
	SubscribeAgent(agentID string, handler Handler) (cancel func(), err error)
	// Close releases the transport. Subscriptions stop receiving.
	Close() error
}
