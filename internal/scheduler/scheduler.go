// Package scheduler assigns tasks to capability-tagged agents via weighted
// scoring and recovers from timeouts and failures with retry-and-escalation.
package scheduler

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/memory"
	"github.com/ShayCichocki/dispatch/internal/metrics"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// DefaultMaxTasksPerAgent caps concurrent assignments per agent.
const DefaultMaxTasksPerAgent = 3

// HeartbeatWindow is how long an agent stays eligible after its last
// heartbeat. Agents silent for longer receive no new work; their existing
// assignments run until their own timeouts fire.
const HeartbeatWindow = 5 * time.Minute

// Final score blend weights.
const (
	capabilityWeight = 0.35
	loadWeight       = 0.25
	priorityWeight   = 0.25
	deadlineWeight   = 0.15
)

// ReasonTimeout is the failure reason recorded by the timeout sweep.
const ReasonTimeout = "timed out"

// CapabilitySource is the registry view the scheduler needs: who exists and
// what they can do.
type CapabilitySource interface {
	// AgentIDs returns all registered agent IDs in ascending order.
	AgentIDs() []string
	// AgentCapabilities returns an agent's profile, nil if unknown.
	AgentCapabilities(agentID string) []models.AgentCapability
}

// event is a deferred memory-store write. Writes are collected while the
// lock is held and flushed after release so no I/O happens inside the
// critical section.
type event struct {
	ownerID string
	kind    string
	content map[string]any
}

// Scheduler owns the five mutable state structures of the assignment core.
// Every exported method is atomic with respect to all of them.
type Scheduler struct {
	// mu guards all mutable fields below.
	mu sync.Mutex
	// capabilities resolves agent capability profiles.
	capabilities CapabilitySource
	// maxTasksPerAgent caps concurrent assignments per agent.
	maxTasksPerAgent int
	// active maps agent ID -> task ID -> live assignment.
	active map[string]map[string]*models.Assignment
	// history is the append-only assignment log per task.
	history map[string][]*models.Assignment
	// queue holds unassigned tasks ordered by (priority, FIFO).
	queue *backlog
	// failed holds permanently failed tasks.
	failed map[string]*models.Assignment
	// health maps agent ID -> last heartbeat.
	health map[string]time.Time
	// pending are memory-store writes awaiting flush.
	pending []event
	// now is injectable for tests.
	now func() time.Time
	// store receives progress and failure records, best effort.
	store memory.Store
	// debugLog is an optional logging function.
	debugLog func(format string, args ...any)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxTasksPerAgent overrides the per-agent concurrency cap.
func WithMaxTasksPerAgent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxTasksPerAgent = n
		}
	}
}

// WithStore sets the memory store for progress records.
func WithStore(store memory.Store) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.store = store
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler backed by the given capability source.
func New(capabilities CapabilitySource, opts ...Option) *Scheduler {
	s := &Scheduler{
		capabilities:     capabilities,
		maxTasksPerAgent: DefaultMaxTasksPerAgent,
		active:           make(map[string]map[string]*models.Assignment),
		history:          make(map[string][]*models.Assignment),
		queue:            newBacklog(),
		failed:           make(map[string]*models.Assignment),
		health:           make(map[string]time.Time),
		now:              time.Now,
		store:            memory.Nop{},
		debugLog:         func(format string, args ...any) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDebugLog sets the debug logging function.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		s.debugLog = fn
	}
}

// AssignTask assigns a task to the most suitable agent. It returns the
// chosen agent ID, or an empty string when no agent qualifies — in that
// case the task has been queued (unless its deadline already elapsed) and
// the caller must treat the result as "queued", not an error. Errors are
// returned only for invalid input, before any state change.
func (s *Scheduler) AssignTask(task *models.Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: nil task", models.ErrValidation)
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sweepLocked()

	agentID, score, pastDeadline := s.selectLocked(task)
	switch {
	case pastDeadline:
		s.debugLog("[scheduler] task %s is already past deadline, dropping", task.ID)
	case agentID == "":
		s.queue.push(task)
		metrics.BacklogDepth.Set(float64(s.queue.len()))
		s.debugLog("[scheduler] no suitable agent for task %s, queued (depth=%d)", task.ID, s.queue.len())
	default:
		s.recordLocked(task, agentID, score)
	}

	events := s.takePendingLocked()
	s.mu.Unlock()

	s.flush(events)
	return agentID, nil
}

// CheckTimeouts sweeps active assignments whose timeout has elapsed and
// routes them through the failure path with retry enabled. It returns the
// number of assignments swept. Callers drive it on a fixed interval; it is
// also run automatically before every assignment.
func (s *Scheduler) CheckTimeouts() int {
	s.mu.Lock()
	n := s.sweepLocked()
	events := s.takePendingLocked()
	s.mu.Unlock()

	s.flush(events)
	return n
}

// CompleteTask marks an active assignment completed, merging the optional
// result into the task metadata, then drains the backlog while assignments
// keep succeeding. Returns false if the agent holds no such task.
func (s *Scheduler) CompleteTask(agentID, taskID string, result map[string]any) bool {
	s.mu.Lock()

	assignment := s.removeActiveLocked(agentID, taskID)
	if assignment == nil {
		s.mu.Unlock()
		s.debugLog("[scheduler] complete for unknown assignment agent=%s task=%s", agentID, taskID)
		return false
	}

	completedAt := s.now()
	assignment.CompletedAt = &completedAt
	if result != nil {
		if assignment.Task.Metadata == nil {
			assignment.Task.Metadata = make(map[string]any)
		}
		assignment.Task.Metadata["result"] = result
	}
	metrics.CompletionsTotal.Inc()
	s.pendingLocked(agentID, memory.KindTaskProgress, map[string]any{
		"task_id":      taskID,
		"agent_id":     agentID,
		"status":       "completed",
		"completed_at": completedAt,
	})
	s.debugLog("[scheduler] task %s completed by agent %s", taskID, agentID)

	s.drainBacklogLocked()

	events := s.takePendingLocked()
	s.mu.Unlock()

	s.flush(events)
	return true
}

// FailTask reports that an agent failed an active assignment. With retry
// enabled the task re-enters the backlog at an escalated priority while
// retries remain; otherwise (or once retries exhaust) it lands in the
// terminal failed set. Returns false if the agent holds no such task.
func (s *Scheduler) FailTask(agentID, taskID, reason string, retry bool) bool {
	s.mu.Lock()
	ok := s.failLocked(agentID, taskID, reason, retry)
	events := s.takePendingLocked()
	s.mu.Unlock()

	s.flush(events)
	return ok
}

// RetryFailedTasks re-attempts terminally failed tasks that still have
// retries remaining. It returns the number of tasks re-attempted. Tasks
// whose retries are exhausted stay failed.
func (s *Scheduler) RetryFailedTasks() int {
	s.mu.Lock()

	retried := 0
	for taskID, assignment := range s.failed {
		task := assignment.Task
		if task.RetryCount >= task.MaxRetries {
			continue
		}
		delete(s.failed, taskID)
		retried++

		agentID, score, pastDeadline := s.selectLocked(task)
		switch {
		case pastDeadline:
			s.debugLog("[scheduler] failed task %s past deadline on retry, dropping", taskID)
		case agentID == "":
			s.queue.push(task)
			metrics.BacklogDepth.Set(float64(s.queue.len()))
		default:
			s.recordLocked(task, agentID, score)
		}
	}

	events := s.takePendingLocked()
	s.mu.Unlock()

	s.flush(events)
	return retried
}

// UpdateAgentHealth stamps an agent's heartbeat. Agents silent for longer
// than HeartbeatWindow become ineligible for new work.
func (s *Scheduler) UpdateAgentHealth(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[agentID] = s.now()
}

// AgentTasks returns the tasks currently assigned to an agent.
func (s *Scheduler) AgentTasks(agentID string) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*models.Task, 0, len(s.active[agentID]))
	for _, assignment := range s.active[agentID] {
		tasks = append(tasks, assignment.Task)
	}
	return tasks
}

// TaskAgent returns the agent currently responsible for a task.
func (s *Scheduler) TaskAgent(taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for agentID, tasks := range s.active {
		if _, ok := tasks[taskID]; ok {
			return agentID, true
		}
	}
	return "", false
}

// TaskHistory returns the append-only assignment log for a task.
func (s *Scheduler) TaskHistory(taskID string) []*models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.history[taskID]
	out := make([]*models.Assignment, len(history))
	copy(out, history)
	return out
}

// QueuedTasks returns the backlog in pop order.
func (s *Scheduler) QueuedTasks() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.tasks()
}

// FailedTasks returns a copy of the terminally failed set.
func (s *Scheduler) FailedTasks() map[string]*models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*models.Assignment, len(s.failed))
	for id, assignment := range s.failed {
		out[id] = assignment
	}
	return out
}

// selectLocked scores every eligible agent and returns the strictly
// highest-scoring one, with ties broken toward the lowest agent ID.
// pastDeadline reports that the task's deadline has already elapsed, in
// which case no agent is returned and the task must not be queued.
// Caller must hold s.mu.
func (s *Scheduler) selectLocked(task *models.Task) (agentID string, score float64, pastDeadline bool) {
	now := s.now()

	deadlineFactor := 1.0
	if task.Deadline != nil {
		secondsLeft := task.Deadline.Sub(now).Seconds()
		if secondsLeft <= 0 {
			return "", 0, true
		}
		deadlineFactor = math.Min(2.0, 86400/math.Max(1, secondsLeft))
	}

	bestAgent := ""
	bestScore := 0.0

	// Sorted iteration makes equal-score ties resolve to the lowest ID.
	for _, candidate := range s.capabilities.AgentIDs() {
		if !s.healthyLocked(candidate, now) {
			continue
		}
		if len(s.active[candidate]) >= s.maxTasksPerAgent {
			s.debugLog("[scheduler] agent %s at capacity", candidate)
			continue
		}

		capabilityScore, ok := s.capabilityMatchLocked(candidate, task)
		if !ok {
			continue
		}

		loadFactor := 1 - s.loadLocked(candidate)
		priorityFactor := float64(6-task.Priority) / 5

		final := capabilityScore*capabilityWeight +
			loadFactor*loadWeight +
			priorityFactor*priorityWeight +
			deadlineFactor*deadlineWeight

		s.debugLog("[scheduler] task %s agent %s scores cap=%.2f load=%.2f prio=%.2f deadline=%.2f final=%.2f",
			task.ID, candidate, capabilityScore, loadFactor, priorityFactor, deadlineFactor, final)

		if final > bestScore {
			bestAgent = candidate
			bestScore = final
		}
	}

	return bestAgent, bestScore, false
}

// capabilityMatchLocked computes the weighted capability score for an agent
// against a task's requirements. Earlier-listed capabilities weigh more.
// Any missing capability excludes the agent entirely (ok=false).
func (s *Scheduler) capabilityMatchLocked(agentID string, task *models.Task) (float64, bool) {
	profile := s.capabilities.AgentCapabilities(agentID)
	if len(profile) == 0 {
		return 0, false
	}

	strengths := make(map[models.Capability]float64, len(profile))
	for _, entry := range profile {
		strengths[entry.Capability] = entry.Strength
	}

	required := task.RequiredCapabilities
	totalStrength := 0.0
	totalWeight := 0.0
	for i, c := range required {
		strength, ok := strengths[c]
		if !ok {
			return 0, false
		}
		weight := 1 + 0.2*float64(len(required)-1-i)
		totalStrength += strength * weight
		totalWeight += weight
	}

	return totalStrength / totalWeight, true
}

// loadLocked returns the priority-weighted load of an agent in [0,1].
// Higher-priority tasks count more toward the load.
func (s *Scheduler) loadLocked(agentID string) float64 {
	weighted := 0.0
	for _, assignment := range s.active[agentID] {
		weighted += float64(6-assignment.Task.Priority) / 5
	}
	return weighted / float64(s.maxTasksPerAgent)
}

// healthyLocked reports whether an agent heartbeated within the window.
func (s *Scheduler) healthyLocked(agentID string, now time.Time) bool {
	last, ok := s.health[agentID]
	if !ok {
		return false
	}
	return now.Sub(last) <= HeartbeatWindow
}

// recordLocked creates the assignment record in active state and history.
func (s *Scheduler) recordLocked(task *models.Task, agentID string, score float64) {
	assignment := &models.Assignment{
		Task:                 task,
		AgentID:              agentID,
		AssignedAt:           s.now(),
		CapabilityMatchScore: score,
	}

	if s.active[agentID] == nil {
		s.active[agentID] = make(map[string]*models.Assignment)
	}
	s.active[agentID][task.ID] = assignment
	s.history[task.ID] = append(s.history[task.ID], assignment)

	metrics.AssignmentsTotal.Inc()
	metrics.ActiveAssignments.Inc()
	s.pendingLocked(agentID, memory.KindTaskProgress, map[string]any{
		"task_id":  task.ID,
		"agent_id": agentID,
		"status":   "assigned",
		"score":    score,
	})
	s.debugLog("[scheduler] task %s assigned to agent %s (score=%.2f)", task.ID, agentID, score)
}

// sweepLocked fails every active assignment whose timeout has elapsed,
// with retry enabled. Returns the number of assignments swept.
func (s *Scheduler) sweepLocked() int {
	now := s.now()

	type stale struct{ agentID, taskID string }
	var timedOut []stale
	for agentID, tasks := range s.active {
		for taskID, assignment := range tasks {
			if now.After(assignment.AssignedAt.Add(assignment.Task.Timeout)) {
				timedOut = append(timedOut, stale{agentID, taskID})
			}
		}
	}

	for _, st := range timedOut {
		s.debugLog("[scheduler] task %s timed out on agent %s", st.taskID, st.agentID)
		s.failLocked(st.agentID, st.taskID, ReasonTimeout, true)
	}
	return len(timedOut)
}

// failLocked is the single failure path: remove from active state, stamp
// the assignment, append it to history, then either requeue with escalated
// priority or record the terminal failure.
func (s *Scheduler) failLocked(agentID, taskID, reason string, retry bool) bool {
	assignment := s.removeActiveLocked(agentID, taskID)
	if assignment == nil {
		return false
	}

	failedAt := s.now()
	assignment.FailedAt = &failedAt
	assignment.FailureReason = reason
	s.history[taskID] = append(s.history[taskID], assignment)
	metrics.FailuresTotal.WithLabelValues(reason).Inc()

	task := assignment.Task
	if retry && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		if task.Priority > models.PriorityHighest {
			task.Priority--
		}
		s.queue.push(task)
		metrics.RetriesTotal.Inc()
		metrics.BacklogDepth.Set(float64(s.queue.len()))
		s.debugLog("[scheduler] task %s requeued for retry %d/%d at priority %d",
			taskID, task.RetryCount, task.MaxRetries, task.Priority)
	} else {
		s.failed[taskID] = assignment
		s.debugLog("[scheduler] task %s permanently failed after %d retries: %s",
			taskID, task.RetryCount, reason)
	}

	s.pendingLocked(agentID, memory.KindTaskFailure, map[string]any{
		"task_id":     taskID,
		"agent_id":    agentID,
		"reason":      reason,
		"retry_count": task.RetryCount,
		"terminal":    !retry || task.RetryCount >= task.MaxRetries,
	})
	return true
}

// removeActiveLocked detaches and returns an active assignment, or nil.
func (s *Scheduler) removeActiveLocked(agentID, taskID string) *models.Assignment {
	tasks, ok := s.active[agentID]
	if !ok {
		return nil
	}
	assignment, ok := tasks[taskID]
	if !ok {
		return nil
	}
	delete(tasks, taskID)
	if len(tasks) == 0 {
		delete(s.active, agentID)
	}
	metrics.ActiveAssignments.Dec()
	return assignment
}

// drainBacklogLocked assigns queued tasks in (priority, FIFO) order until
// one cannot be placed. The blocked task keeps its queue position so later
// arrivals at the same priority never skip ahead of it.
func (s *Scheduler) drainBacklogLocked() {
	for {
		task, ok := s.queue.peek()
		if !ok {
			break
		}
		agentID, score, pastDeadline := s.selectLocked(task)
		if pastDeadline {
			// Unassignable forever; drop it rather than wedge the queue.
			s.queue.pop()
			metrics.BacklogDepth.Set(float64(s.queue.len()))
			s.debugLog("[scheduler] queued task %s past deadline, dropped", task.ID)
			continue
		}
		if agentID == "" {
			break
		}
		s.queue.pop()
		metrics.BacklogDepth.Set(float64(s.queue.len()))
		s.recordLocked(task, agentID, score)
	}
}

// pendingLocked defers a memory-store write until the lock is released.
func (s *Scheduler) pendingLocked(ownerID, kind string, content map[string]any) {
	s.pending = append(s.pending, event{ownerID: ownerID, kind: kind, content: content})
}

// takePendingLocked returns and clears the deferred writes.
func (s *Scheduler) takePendingLocked() []event {
	events := s.pending
	s.pending = nil
	return events
}

// flush writes deferred events to the store. Failures are logged, never
// propagated; in-memory state is authoritative.
func (s *Scheduler) flush(events []event) {
	for _, e := range events {
		if _, err := s.store.Save(e.ownerID, e.kind, e.content); err != nil {
			s.debugLog("[scheduler] store write %s/%s failed: %v", e.ownerID, e.kind, err)
		}
	}
}
