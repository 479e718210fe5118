package models

import "time"

// Assignment binds a task to the agent currently responsible for it.
// Completion and failure are mutually exclusive terminal transitions.
type Assignment struct {
	// Task is the assigned task. The scheduler mutates its retry and
	// priority fields across failure cycles.
	Task *Task `json:"task"`
	// AgentID identifies the responsible agent.
	AgentID string `json:"agent_id"`
	// AssignedAt is when the assignment was made.
	AssignedAt time.Time `json:"assigned_at"`
	// CapabilityMatchScore is the weighted score the agent won with.
	// Usually in [0,1]; the deadline-pressure factor can push it above 1.
	CapabilityMatchScore float64 `json:"capability_match_score"`
	// CompletedAt is set when the agent reports success.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// FailedAt is set when the assignment fails or times out.
	FailedAt *time.Time `json:"failed_at,omitempty"`
	// FailureReason describes why the assignment failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Terminal returns true once the assignment has completed or failed.
func (a *Assignment) Terminal() bool {
	return a.CompletedAt != nil || a.FailedAt != nil
}
