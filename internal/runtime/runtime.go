// Package runtime wires the dispatch components together: requests come in,
// get decomposed and scheduled, and agent traffic on the bus feeds back into
// scheduler and decomposer state.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/bus"
	"github.com/ShayCichocki/dispatch/internal/decompose"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// DefaultSweepInterval is how often the timeout sweep runs.
const DefaultSweepInterval = 30 * time.Second

// DefaultTaskDeadline is how long a submitted request stays assignable.
const DefaultTaskDeadline = 24 * time.Hour

// Registrar is the registry surface agents register through.
type Registrar interface {
	// RegisterAgent replaces an agent's full capability profile.
	RegisterAgent(agentID string, caps []models.AgentCapability) error
}

// Runtime connects the registry, scheduler, decomposer, and message bus.
type Runtime struct {
	reg    Registrar
	sched  *scheduler.Scheduler
	dec    *decompose.Decomposer
	msgBus bus.Bus
	logger *DebugLogger

	sweepInterval time.Duration
	taskDeadline  time.Duration

	mu           sync.Mutex
	cancelEvents func()
	stop         chan struct{}
	done         sync.WaitGroup
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSweepInterval overrides the timeout sweep interval.
func WithSweepInterval(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithTaskDeadline overrides the deadline applied to submitted requests.
func WithTaskDeadline(d time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if d > 0 {
			r.taskDeadline = d
		}
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) RuntimeOption {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Runtime over the given components.
func New(reg Registrar, sched *scheduler.Scheduler, dec *decompose.Decomposer, msgBus bus.Bus, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		reg:           reg,
		sched:         sched,
		dec:           dec,
		msgBus:        msgBus,
		logger:        NopLogger(),
		sweepInterval: DefaultSweepInterval,
		taskDeadline:  DefaultTaskDeadline,
	}
	for _, opt := range opts {
		opt(r)
	}
	sched.SetDebugLog(r.logger.Log)
	dec.SetDebugLog(r.logger.Log)
	return r
}

// Start subscribes to agent events and begins the timeout sweep. It returns
// immediately; Stop shuts both down.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return fmt.Errorf("runtime already started")
	}

	cancel, err := r.msgBus.SubscribeEvents(r.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe to agent events: %w", err)
	}
	r.cancelEvents = cancel
	r.stop = make(chan struct{})

	r.done.Add(1)
	go r.sweepLoop(ctx, r.stop)

	r.logger.Log("[runtime] started (sweep every %s)", r.sweepInterval)
	return nil
}

// Stop cancels the event subscription and waits for the sweep loop to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stop == nil {
		r.mu.Unlock()
		return
	}
	close(r.stop)
	cancel := r.cancelEvents
	r.stop = nil
	r.cancelEvents = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.done.Wait()
	r.logger.Log("[runtime] stopped")
}

// SubmitRequest analyzes a free-text request, decomposes the resulting task,
// and assigns whatever subtasks are ready. It returns the parent task.
func (r *Runtime) SubmitRequest(ctx context.Context, request string, metadata map[string]any) (*models.Task, error) {
	caps := AnalyzeRequest(request)
	priority := DeterminePriority(request, metadata)

	task := models.NewTask("task_"+uuid.New().String(), caps, priority)
	deadline := time.Now().Add(r.taskDeadline)
	task.Deadline = &deadline
	task.Metadata = map[string]any{"description": request}
	for k, v := range metadata {
		if k != "description" {
			task.Metadata[k] = v
		}
	}

	r.logger.Log("[runtime] request %s: priority=%d capabilities=%v", task.ID, priority, caps)

	subtasks, err := r.dec.DecomposeTask(task)
	if err != nil {
		return nil, fmt.Errorf("decompose request: %w", err)
	}
	r.dec.AssignSubTasks(subtasks)
	r.notifyAssigned(ctx, subtasks)

	return task, nil
}

// SubmitTask assigns a pre-built task directly, bypassing decomposition.
// The returned agent ID is empty if the task was queued.
func (r *Runtime) SubmitTask(ctx context.Context, task *models.Task) (string, error) {
	agentID, err := r.sched.AssignTask(task)
	if err != nil {
		return "", err
	}
	if agentID != "" {
		r.publishAssignment(ctx, agentID, task.ID)
	}
	return agentID, nil
}

// TaskStatus summarizes a task's current state for callers.
type TaskStatus struct {
	// State is one of assigned, queued, failed, or unknown.
	State string `json:"state"`
	// AgentID is the agent holding the task, when assigned.
	AgentID string `json:"agent_id,omitempty"`
	// Attempts is the number of assignment records for the task.
	Attempts int `json:"attempts"`
}

// Status reports where a task currently stands.
func (r *Runtime) Status(taskID string) TaskStatus {
	attempts := len(r.sched.TaskHistory(taskID))

	if agentID, ok := r.sched.TaskAgent(taskID); ok {
		return TaskStatus{State: "assigned", AgentID: agentID, Attempts: attempts}
	}
	if _, ok := r.sched.FailedTasks()[taskID]; ok {
		return TaskStatus{State: "failed", Attempts: attempts}
	}
	for _, queued := range r.sched.QueuedTasks() {
		if queued.ID == taskID {
			return TaskStatus{State: "queued", Attempts: attempts}
		}
	}
	return TaskStatus{State: "unknown", Attempts: attempts}
}

// handleEvent routes one agent event into scheduler and decomposer state.
func (r *Runtime) handleEvent(msg bus.Message) {
	switch msg.Type {
	case bus.TypeHeartbeat:
		r.sched.UpdateAgentHealth(msg.AgentID)

	case bus.TypeRegister:
		profile := profileFromMessage(msg.Capabilities)
		if err := r.reg.RegisterAgent(msg.AgentID, profile); err != nil {
			r.logger.Log("[runtime] registration for agent %s rejected: %v", msg.AgentID, err)
			return
		}
		// Registration counts as the first heartbeat.
		r.sched.UpdateAgentHealth(msg.AgentID)
		r.logger.Log("[runtime] agent %s registered with %d capabilities", msg.AgentID, len(profile))

	case bus.TypeTaskCompleted:
		if !r.sched.CompleteTask(msg.AgentID, msg.TaskID, msg.Result) {
			r.logger.Log("[runtime] completion for unknown assignment agent=%s task=%s", msg.AgentID, msg.TaskID)
			return
		}
		// Completions count as liveness.
		r.sched.UpdateAgentHealth(msg.AgentID)
		if st, ok := r.dec.SubTask(msg.TaskID); ok {
			r.dec.UpdateSubTaskStatus(msg.TaskID, models.SubTaskCompleted)
			// Only dependents of the completed step can be newly assigned;
			// notifying siblings again would duplicate earlier messages.
			var unblocked []*models.SubTask
			for _, sibling := range r.dec.SubTasksForTask(st.ParentTaskID) {
				if dependsOn(sibling, msg.TaskID) {
					unblocked = append(unblocked, sibling)
				}
			}
			r.notifyAssigned(context.Background(), unblocked)
		}

	case bus.TypeTaskFailed:
		if !r.sched.FailTask(msg.AgentID, msg.TaskID, msg.Reason, msg.Retry) {
			r.logger.Log("[runtime] failure for unknown assignment agent=%s task=%s", msg.AgentID, msg.TaskID)
		}

	case bus.TypeRequest:
		if _, err := r.SubmitRequest(context.Background(), msg.Text, msg.Result); err != nil {
			r.logger.Log("[runtime] submitted request rejected: %v", err)
		}

	default:
		r.logger.Log("[runtime] unhandled event type %q from agent %s", msg.Type, msg.AgentID)
	}
}

// notifyAssigned tells each agent about subtasks newly assigned to it.
// Subtasks the scheduler picked up during a drain are matched against the
// decomposer's assignment records.
func (r *Runtime) notifyAssigned(ctx context.Context, subtasks []*models.SubTask) {
	for _, st := range subtasks {
		if st.Status == models.SubTaskInProgress && st.AssignedAgent != "" {
			r.publishAssignment(ctx, st.AssignedAgent, st.ID)
		}
	}
}

// publishAssignment sends a task_assigned message, best effort.
func (r *Runtime) publishAssignment(ctx context.Context, agentID, taskID string) {
	msg := bus.Message{
		Type:    bus.TypeTaskAssigned,
		AgentID: agentID,
		TaskID:  taskID,
		SentAt:  time.Now(),
	}
	if err := r.msgBus.PublishToAgent(ctx, agentID, msg); err != nil {
		r.logger.Log("[runtime] notify agent %s about task %s: %v", agentID, taskID, err)
	}
}

// sweepLoop drives the timeout sweep until stop is closed or the context is
// cancelled. The channel is a parameter: Stop nils the field before the loop
// exits, so the loop must not read it.
func (r *Runtime) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	defer r.done.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.sched.CheckTimeouts(); n > 0 {
				r.logger.Log("[runtime] timeout sweep failed %d assignments", n)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// profileFromMessage converts a registration message's capability map into
// profile entries, in capability name order.
func profileFromMessage(caps map[string]float64) []models.AgentCapability {
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)

	profile := make([]models.AgentCapability, 0, len(names))
	for _, name := range names {
		profile = append(profile, models.AgentCapability{
			Capability: models.Capability(name),
			Strength:   caps[name],
		})
	}
	return profile
}

// dependsOn reports whether a subtask lists the given ID as a dependency.
func dependsOn(st *models.SubTask, subtaskID string) bool {
	for _, dep := range st.DependsOn {
		if dep == subtaskID {
			return true
		}
	}
	return false
}
