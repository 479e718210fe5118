package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation is the base error for malformed input. Callers can match it
// with errors.Is regardless of the wrapped detail.
var ErrValidation = errors.New("validation failed")

// Priority bounds: 1 is the highest priority, 5 the lowest.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Defaults applied by NewTask.
const (
	DefaultTimeout    = time.Hour
	DefaultMaxRetries = 3
)

// Task is a unit of work requiring one or more capabilities.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// RequiredCapabilities lists what an agent must be able to do,
	// most important first.
	RequiredCapabilities []Capability `json:"required_capabilities"`
	// Priority ranges 1 (highest) to 5 (lowest).
	Priority int `json:"priority"`
	// Deadline is the wall-clock time the task must finish by, if any.
	Deadline *time.Time `json:"deadline,omitempty"`
	// Timeout bounds how long a single assignment may run.
	Timeout time.Duration `json:"timeout"`
	// RetryCount is how many times this task has been retried.
	RetryCount int `json:"retry_count"`
	// MaxRetries is how many retries are allowed before the task is
	// permanently failed.
	MaxRetries int `json:"max_retries"`
	// Metadata holds caller-provided context, including the description
	// used for complexity estimation.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewTask creates a task with the default timeout and retry policy.
func NewTask(id string, caps []Capability, priority int) *Task {
	return &Task{
		ID:                   id,
		RequiredCapabilities: caps,
		Priority:             priority,
		Timeout:              DefaultTimeout,
		MaxRetries:           DefaultMaxRetries,
		CreatedAt:            time.Now().UTC(),
	}
}

// Validate checks the task is well formed. It never mutates the task.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: task id must be non-empty", ErrValidation)
	}
	if len(t.RequiredCapabilities) == 0 {
		return fmt.Errorf("%w: task %s requires at least one capability", ErrValidation, t.ID)
	}
	for _, c := range t.RequiredCapabilities {
		if !c.Valid() {
			return fmt.Errorf("%w: task %s has unknown capability %q", ErrValidation, t.ID, c)
		}
	}
	if t.Priority < PriorityHighest || t.Priority > PriorityLowest {
		return fmt.Errorf("%w: task %s priority %d out of range [%d,%d]",
			ErrValidation, t.ID, t.Priority, PriorityHighest, PriorityLowest)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%w: task %s has negative timeout", ErrValidation, t.ID)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("%w: task %s has negative retry count", ErrValidation, t.ID)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: task %s has negative max retries", ErrValidation, t.ID)
	}
	return nil
}

// Description returns the free-text description from metadata, if present.
func (t *Task) Description() string {
	if t.Metadata == nil {
		return ""
	}
	if d, ok := t.Metadata["description"].(string); ok {
		return d
	}
	return ""
}

// SubTaskStatus represents the state of a subtask.
type SubTaskStatus string

const (
	// SubTaskPending indicates the subtask has not been assigned.
	SubTaskPending SubTaskStatus = "pending"
	// SubTaskInProgress indicates an agent is working on the subtask.
	SubTaskInProgress SubTaskStatus = "in_progress"
	// SubTaskCompleted indicates the subtask finished.
	SubTaskCompleted SubTaskStatus = "completed"
)

// Valid returns true if the status is a known value.
func (s SubTaskStatus) Valid() bool {
	switch s {
	case SubTaskPending, SubTaskInProgress, SubTaskCompleted:
		return true
	default:
		return false
	}
}

// SubTask is a task produced by decomposing a parent task. It carries the
// ordering and dependency metadata the decomposer uses to gate assignment.
type SubTask struct {
	Task

	// ParentTaskID is the ID of the task this subtask was derived from.
	ParentTaskID string `json:"parent_task_id"`
	// DependsOn lists subtask IDs that must complete before this one.
	DependsOn []string `json:"depends_on,omitempty"`
	// StepNumber is the 1-based position in the decomposition chain.
	StepNumber int `json:"step_number"`
	// Status is the current state of the subtask.
	Status SubTaskStatus `json:"status"`
	// AssignedAgent is the agent working on this subtask, if any.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// EstimatedComplexity is relative effort, 1.0 baseline, capped at 5.0.
	EstimatedComplexity float64 `json:"estimated_complexity"`
}
