package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/registry"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// fakeClock is a controllable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEnv bundles a scheduler with its registry and clock.
type testEnv struct {
	sched *Scheduler
	reg   *registry.Registry
	clock *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := newFakeClock()
	reg := registry.New(nil)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &testEnv{
		sched: New(reg, opts...),
		reg:   reg,
		clock: clock,
	}
}

// addAgent registers an agent with the given capabilities and a fresh
// heartbeat.
func (e *testEnv) addAgent(t *testing.T, agentID string, caps ...models.AgentCapability) {
	t.Helper()
	if err := e.reg.RegisterAgent(agentID, caps); err != nil {
		t.Fatalf("RegisterAgent(%s) failed: %v", agentID, err)
	}
	e.sched.UpdateAgentHealth(agentID)
}

func strength(c models.Capability, s float64) models.AgentCapability {
	return models.AgentCapability{Capability: c, Strength: s}
}

func testTask(id string, priority int, caps ...models.Capability) *models.Task {
	task := models.NewTask(id, caps, priority)
	return task
}

func TestAssignTask_PrefersStrongerAgent(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapCodeGeneration, 0.9))
	env.addAgent(t, "A2", strength(models.CapCodeGeneration, 0.4))

	agent, err := env.sched.AssignTask(testTask("t1", 1, models.CapCodeGeneration))
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if agent != "A1" {
		t.Errorf("AssignTask = %q, want A1", agent)
	}

	if got, ok := env.sched.TaskAgent("t1"); !ok || got != "A1" {
		t.Errorf("TaskAgent = (%q, %v), want (A1, true)", got, ok)
	}
}

func TestAssignTask_ValidationErrorLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapCodeGeneration, 0.9))

	_, err := env.sched.AssignTask(testTask("bad", 9, models.CapCodeGeneration))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("error should wrap ErrValidation, got %v", err)
	}

	if _, err := env.sched.AssignTask(nil); err == nil {
		t.Fatal("expected validation error for nil task")
	}

	if n := len(env.sched.QueuedTasks()); n != 0 {
		t.Errorf("backlog should be empty after rejected input, got %d", n)
	}
	if n := len(env.sched.AgentTasks("A1")); n != 0 {
		t.Errorf("no assignment should exist after rejected input, got %d", n)
	}
}

func TestAssignTask_MissingCapabilityExcludesAgent(t *testing.T) {
	env := newTestEnv(t)
	// A1 has only one of the two required capabilities.
	env.addAgent(t, "A1", strength(models.CapCodeGeneration, 1.0))

	agent, err := env.sched.AssignTask(testTask("t1", 1, models.CapCodeGeneration, models.CapCodeReview))
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if agent != "" {
		t.Errorf("AssignTask = %q, want unassigned", agent)
	}

	queued := env.sched.QueuedTasks()
	if len(queued) != 1 || queued[0].ID != "t1" {
		t.Errorf("task should be queued, got %v", queued)
	}
}

func TestAssignTask_RespectsMaxTasksPerAgent(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(1))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	first, err := env.sched.AssignTask(testTask("t1", 3, models.CapResearch))
	if err != nil || first != "A1" {
		t.Fatalf("first AssignTask = (%q, %v), want (A1, nil)", first, err)
	}

	second, err := env.sched.AssignTask(testTask("t2", 3, models.CapResearch))
	if err != nil {
		t.Fatalf("second AssignTask failed: %v", err)
	}
	if second != "" {
		t.Errorf("agent at capacity should not receive a second task, got %q", second)
	}
	if n := len(env.sched.AgentTasks("A1")); n != 1 {
		t.Errorf("A1 holds %d tasks, want 1", n)
	}
}

func TestAssignTask_HealthGating(t *testing.T) {
	env := newTestEnv(t)
	// Registered but never heartbeated.
	if err := env.reg.RegisterAgent("A1", []models.AgentCapability{strength(models.CapResearch, 0.8)}); err != nil {
		t.Fatal(err)
	}

	agent, err := env.sched.AssignTask(testTask("t1", 3, models.CapResearch))
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if agent != "" {
		t.Errorf("agent without heartbeat should be ineligible, got %q", agent)
	}

	// A heartbeat makes the agent eligible; the queued task is picked up
	// on the next completion-driven drain, so assign a fresh task here.
	env.sched.UpdateAgentHealth("A1")
	agent, err = env.sched.AssignTask(testTask("t2", 3, models.CapResearch))
	if err != nil || agent != "A1" {
		t.Fatalf("AssignTask after heartbeat = (%q, %v), want (A1, nil)", agent, err)
	}

	// Stale heartbeat: silent for longer than the window.
	env.clock.Advance(HeartbeatWindow + time.Minute)
	agent, err = env.sched.AssignTask(testTask("t3", 3, models.CapResearch))
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if agent != "" {
		t.Errorf("agent with stale heartbeat should be ineligible, got %q", agent)
	}
}

func TestAssignTask_PastDeadlineIsNotQueued(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	deadline := env.clock.Now().Add(-time.Minute)
	task := testTask("t1", 3, models.CapResearch)
	task.Deadline = &deadline

	agent, err := env.sched.AssignTask(task)
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if agent != "" {
		t.Errorf("past-deadline task should not be assigned, got %q", agent)
	}
	if n := len(env.sched.QueuedTasks()); n != 0 {
		t.Errorf("past-deadline task should not be queued, backlog has %d", n)
	}
}

func TestAssignTask_DeadlinePressureRaisesScore(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(1))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	deadline := env.clock.Now().Add(time.Hour)
	task := testTask("t1", 3, models.CapResearch)
	task.Deadline = &deadline

	agent, err := env.sched.AssignTask(task)
	if err != nil || agent != "A1" {
		t.Fatalf("AssignTask = (%q, %v), want (A1, nil)", agent, err)
	}

	history := env.sched.TaskHistory("t1")
	if len(history) != 1 {
		t.Fatalf("history has %d entries, want 1", len(history))
	}
	// With an hour left the deadline factor caps at 2.0:
	// 0.8*0.35 + 1.0*0.25 + 0.6*0.25 + 2.0*0.15 = 0.98
	if got := history[0].CapabilityMatchScore; got < 0.97 || got > 0.99 {
		t.Errorf("recorded score = %.3f, want ~0.98", got)
	}
}

func TestCheckTimeouts_RetriesWithEscalatedPriority(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.9))

	task := testTask("t1", 3, models.CapResearch)
	task.Timeout = 0

	agent, err := env.sched.AssignTask(task)
	if err != nil || agent != "A1" {
		t.Fatalf("AssignTask = (%q, %v), want (A1, nil)", agent, err)
	}

	env.clock.Advance(time.Second)
	if n := env.sched.CheckTimeouts(); n != 1 {
		t.Fatalf("CheckTimeouts swept %d, want 1", n)
	}

	if _, ok := env.sched.TaskAgent("t1"); ok {
		t.Error("timed-out assignment should be gone from active state")
	}
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", task.RetryCount)
	}
	if task.Priority != 2 {
		t.Errorf("Priority = %d, want escalated to 2", task.Priority)
	}

	queued := env.sched.QueuedTasks()
	if len(queued) != 1 || queued[0].ID != "t1" {
		t.Errorf("task should be back in the backlog, got %v", queued)
	}
}

func TestCheckTimeouts_PriorityFloorsAtHighest(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.9))

	task := testTask("t1", 1, models.CapResearch)
	task.Timeout = 0

	if _, err := env.sched.AssignTask(task); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(time.Second)
	env.sched.CheckTimeouts()

	if task.Priority != models.PriorityHighest {
		t.Errorf("Priority = %d, want floor at %d", task.Priority, models.PriorityHighest)
	}
}

func TestCompleteTask_DrainsBacklog(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(1))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	if agent, _ := env.sched.AssignTask(testTask("t1", 3, models.CapResearch)); agent != "A1" {
		t.Fatalf("setup: t1 not assigned")
	}
	if agent, _ := env.sched.AssignTask(testTask("t2", 3, models.CapResearch)); agent != "" {
		t.Fatalf("setup: t2 should be queued")
	}

	if ok := env.sched.CompleteTask("A1", "t1", nil); !ok {
		t.Fatal("CompleteTask returned false")
	}

	// The freed slot must be filled before CompleteTask returns.
	if agent, ok := env.sched.TaskAgent("t2"); !ok || agent != "A1" {
		t.Errorf("t2 should be assigned to A1 after drain, got (%q, %v)", agent, ok)
	}
	if n := len(env.sched.QueuedTasks()); n != 0 {
		t.Errorf("backlog should be empty after drain, got %d", n)
	}
}

func TestCompleteTask_DrainStopsAtFirstBlockedTask(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(1))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	if agent, _ := env.sched.AssignTask(testTask("t1", 3, models.CapResearch)); agent != "A1" {
		t.Fatal("setup: t1 not assigned")
	}
	// Queued ahead: a task nobody can serve. Behind it: a servable task.
	if agent, _ := env.sched.AssignTask(testTask("blocked", 1, models.CapLegalAnalysis)); agent != "" {
		t.Fatal("setup: blocked task should queue")
	}
	if agent, _ := env.sched.AssignTask(testTask("servable", 3, models.CapResearch)); agent != "" {
		t.Fatal("setup: servable task should queue")
	}

	env.sched.CompleteTask("A1", "t1", nil)

	// FIFO fairness: the blocked head must not be skipped.
	if _, ok := env.sched.TaskAgent("servable"); ok {
		t.Error("drain must stop at the blocked head, not skip ahead")
	}
	if n := len(env.sched.QueuedTasks()); n != 2 {
		t.Errorf("backlog should retain both tasks, got %d", n)
	}
}

func TestCompleteTask_MergesResultIntoMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	task := testTask("t1", 3, models.CapResearch)
	if _, err := env.sched.AssignTask(task); err != nil {
		t.Fatal(err)
	}

	result := map[string]any{"output": "findings"}
	if ok := env.sched.CompleteTask("A1", "t1", result); !ok {
		t.Fatal("CompleteTask returned false")
	}

	got, ok := task.Metadata["result"].(map[string]any)
	if !ok || got["output"] != "findings" {
		t.Errorf("result not merged into metadata: %v", task.Metadata)
	}

	history := env.sched.TaskHistory("t1")
	if len(history) != 1 || history[0].CompletedAt == nil {
		t.Errorf("history should hold one completed assignment, got %v", history)
	}
}

func TestCompleteTask_UnknownAssignment(t *testing.T) {
	env := newTestEnv(t)
	if ok := env.sched.CompleteTask("ghost", "t1", nil); ok {
		t.Error("CompleteTask for unknown assignment should return false")
	}
}

func TestFailTask_RetriesThenExhausts(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(1))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	task := testTask("t1", 3, models.CapResearch)
	task.MaxRetries = 1

	if agent, _ := env.sched.AssignTask(task); agent != "A1" {
		t.Fatal("setup: t1 not assigned")
	}

	// First failure: one retry remains, so it requeues with escalation.
	if ok := env.sched.FailTask("A1", "t1", "agent crashed", true); !ok {
		t.Fatal("FailTask returned false")
	}
	if task.RetryCount != 1 || task.Priority != 2 {
		t.Errorf("after first failure RetryCount=%d Priority=%d, want 1 and 2", task.RetryCount, task.Priority)
	}
	if len(env.sched.FailedTasks()) != 0 {
		t.Error("task with retries remaining must not be terminal")
	}

	// Free capacity via an unrelated completion to drain the retry.
	if agent, _ := env.sched.AssignTask(testTask("filler", 5, models.CapResearch)); agent != "A1" {
		t.Fatal("setup: filler not assigned")
	}
	env.sched.CompleteTask("A1", "filler", nil)
	if agent, ok := env.sched.TaskAgent("t1"); !ok || agent != "A1" {
		t.Fatalf("retried task should be re-assigned, got (%q, %v)", agent, ok)
	}

	// Second failure: retries exhausted, terminal.
	env.sched.FailTask("A1", "t1", "agent crashed", true)
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, must never exceed MaxRetries", task.RetryCount)
	}
	failed := env.sched.FailedTasks()
	if _, ok := failed["t1"]; !ok {
		t.Error("exhausted task should be in the failed set")
	}
	if n := len(env.sched.QueuedTasks()); n != 0 {
		t.Errorf("exhausted task must not be requeued, backlog has %d", n)
	}

	// Exhausted tasks are not revisited even by an explicit retry call.
	if n := env.sched.RetryFailedTasks(); n != 0 {
		t.Errorf("RetryFailedTasks re-attempted %d exhausted tasks, want 0", n)
	}
}

func TestFailTask_NoRetryGoesTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	if _, err := env.sched.AssignTask(testTask("t1", 3, models.CapResearch)); err != nil {
		t.Fatal(err)
	}
	env.sched.FailTask("A1", "t1", "poison input", false)

	failed := env.sched.FailedTasks()
	assignment, ok := failed["t1"]
	if !ok {
		t.Fatal("task should be terminal after non-retryable failure")
	}
	if assignment.FailedAt == nil || assignment.FailureReason != "poison input" {
		t.Errorf("terminal assignment not stamped: %+v", assignment)
	}
}

func TestRetryFailedTasks_RevisitsWhileRetriesRemain(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	if _, err := env.sched.AssignTask(testTask("t1", 3, models.CapResearch)); err != nil {
		t.Fatal(err)
	}
	// Non-retryable failure leaves RetryCount at 0, below MaxRetries.
	env.sched.FailTask("A1", "t1", "transient", false)

	if n := env.sched.RetryFailedTasks(); n != 1 {
		t.Fatalf("RetryFailedTasks = %d, want 1", n)
	}
	if _, ok := env.sched.FailedTasks()["t1"]; ok {
		t.Error("retried task should leave the failed set")
	}
	if agent, ok := env.sched.TaskAgent("t1"); !ok || agent != "A1" {
		t.Errorf("retried task should be re-assigned, got (%q, %v)", agent, ok)
	}
}

func TestTaskHistory_RecordsAssignmentAndFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	if _, err := env.sched.AssignTask(testTask("t1", 3, models.CapResearch)); err != nil {
		t.Fatal(err)
	}
	env.sched.FailTask("A1", "t1", "boom", true)

	history := env.sched.TaskHistory("t1")
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2 (assigned + failed)", len(history))
	}
	last := history[len(history)-1]
	if last.FailedAt == nil || last.FailureReason != "boom" {
		t.Errorf("failure entry not stamped: %+v", last)
	}
}

func TestScoring_TieBreaksToLowestAgentID(t *testing.T) {
	env := newTestEnv(t)
	env.addAgent(t, "B", strength(models.CapResearch, 0.5))
	env.addAgent(t, "A", strength(models.CapResearch, 0.5))

	for i := 0; i < 10; i++ {
		sched := New(env.reg, WithClock(env.clock.Now))
		sched.UpdateAgentHealth("A")
		sched.UpdateAgentHealth("B")
		agent, err := sched.AssignTask(testTask("t", 3, models.CapResearch))
		if err != nil || agent != "A" {
			t.Fatalf("AssignTask = (%q, %v), want deterministic (A, nil)", agent, err)
		}
	}
}

func TestAssignTask_SweepRunsFirst(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(1))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.8))

	stale := testTask("stale", 3, models.CapResearch)
	stale.Timeout = time.Minute
	if agent, _ := env.sched.AssignTask(stale); agent != "A1" {
		t.Fatal("setup: stale task not assigned")
	}

	// The stale assignment holds A1's only slot until the sweep frees it.
	env.clock.Advance(2 * time.Minute)
	agent, err := env.sched.AssignTask(testTask("fresh", 3, models.CapResearch))
	if err != nil {
		t.Fatal(err)
	}
	if agent != "A1" {
		t.Errorf("sweep before assignment should free the slot, got %q", agent)
	}
	if stale.RetryCount != 1 {
		t.Errorf("stale task RetryCount = %d, want 1", stale.RetryCount)
	}
}

func TestConcurrentAssignAndComplete(t *testing.T) {
	env := newTestEnv(t, WithMaxTasksPerAgent(2))
	env.addAgent(t, "A1", strength(models.CapResearch, 0.9))
	env.addAgent(t, "A2", strength(models.CapResearch, 0.7))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			agent, err := env.sched.AssignTask(testTask(id, 3, models.CapResearch))
			if err != nil {
				t.Errorf("AssignTask failed: %v", err)
				return
			}
			if agent != "" {
				env.sched.CompleteTask(agent, id, nil)
			}
		}(i)
	}
	wg.Wait()

	// Every agent respected the cap at all times; afterwards nothing is
	// active and whatever queued is consistent.
	for _, agentID := range []string{"A1", "A2"} {
		if n := len(env.sched.AgentTasks(agentID)); n > 2 {
			t.Errorf("agent %s holds %d tasks, cap is 2", agentID, n)
		}
	}
}
