// Package memory persists task and capability progress records.
//
// The store is a best-effort collaborator: the scheduler and decomposer keep
// authoritative state in memory and treat persistence failures as log-only
// events, so implementations must never be load-bearing for correctness.
package memory

import "time"

// Record is one persisted progress entry.
type Record struct {
	// ID is the unique identifier assigned by the store.
	ID string `json:"id"`
	// OwnerID is the agent or task the record belongs to.
	OwnerID string `json:"owner_id"`
	// Kind classifies the record (task_progress, task_failure, ...).
	Kind string `json:"kind"`
	// Content is the record payload.
	Content map[string]any `json:"content"`
	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

// Record kinds written by the scheduler and decomposer.
const (
	KindTaskProgress       = "task_progress"
	KindTaskFailure        = "task_failure"
	KindSubTaskProgress    = "subtask_progress"
	KindCapabilityProfile  = "capability_profile"
	KindAssignmentResponse = "assignment_response"
)

// Store persists progress records keyed by owner.
type Store interface {
	// Save writes a record and returns its ID.
	Save(ownerID, kind string, content map[string]any) (string, error)
	// Recent returns up to limit records for an owner and kind, newest
	// first. An empty kind matches all kinds.
	Recent(ownerID, kind string, limit int) ([]Record, error)
	// Close releases the store's resources.
	Close() error
}

// Nop is a Store that discards everything. Used when persistence is
// disabled and in tests.
type Nop struct{}

// Save discards the record and returns an empty ID.
func (Nop) Save(ownerID, kind string, content map[string]any) (string, error) {
	return "", nil
}

// Recent always returns no records.
func (Nop) Recent(ownerID, kind string, limit int) ([]Record, error) {
	return nil, nil
}

// Close is a no-op.
func (Nop) Close() error { return nil }

// Compile-time interface checks.
var (
	_ Store = (*DB)(nil)
	_ Store = Nop{}
)
