package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/bus"
	"github.com/ShayCichocki/dispatch/internal/decompose"
	"github.com/ShayCichocki/dispatch/internal/registry"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// testRig wires a full in-process stack around one runtime.
type testRig struct {
	runtime *Runtime
	sched   *scheduler.Scheduler
	dec     *decompose.Decomposer
	reg     *registry.Registry
	msgBus  *bus.InProc
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	reg := registry.New(nil)
	sched := scheduler.New(reg)
	dec := decompose.New(sched, nil)
	msgBus := bus.NewInProc()

	rt := New(reg, sched, dec, msgBus, WithSweepInterval(time.Hour))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		rt.Stop()
		msgBus.Close()
	})

	return &testRig{runtime: rt, sched: sched, dec: dec, reg: reg, msgBus: msgBus}
}

// addAgent registers an agent over the bus, the way a real agent announces
// itself at startup. Registration doubles as the first heartbeat.
func (rig *testRig) addAgent(t *testing.T, agentID string, caps ...models.Capability) {
	t.Helper()

	profile := make(map[string]float64, len(caps))
	for _, c := range caps {
		profile[string(c)] = 0.9
	}
	err := rig.msgBus.PublishEvent(context.Background(), bus.Message{
		Type:         bus.TypeRegister,
		AgentID:      agentID,
		Capabilities: profile,
		SentAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("publish registration: %v", err)
	}
	if rig.reg.AgentCapabilities(agentID) == nil {
		t.Fatalf("agent %s not in registry after registration event", agentID)
	}
}

func TestSubmitRequest_DecomposesAndAssignsFirstStep(t *testing.T) {
	rig := newTestRig(t)
	rig.addAgent(t, "A1",
		models.CapCriticalAnalysis, models.CapCodeGeneration,
		models.CapCodeReview, models.CapDataAnalysis)

	var assigned []string
	cancel, _ := rig.msgBus.SubscribeAgent("A1", func(msg bus.Message) {
		if msg.Type == bus.TypeTaskAssigned {
			assigned = append(assigned, msg.TaskID)
		}
	})
	defer cancel()

	task, err := rig.runtime.SubmitRequest(context.Background(), "implement a log parser", nil)
	if err != nil {
		t.Fatalf("SubmitRequest failed: %v", err)
	}

	subtasks := rig.dec.SubTasksForTask(task.ID)
	if len(subtasks) != 3 {
		t.Fatalf("got %d subtasks, want 3 for a code request", len(subtasks))
	}

	// Only the dependency-free analysis step starts.
	if subtasks[0].Status != models.SubTaskInProgress || subtasks[0].AssignedAgent != "A1" {
		t.Errorf("first step = (%s, %s), want (in_progress, A1)", subtasks[0].Status, subtasks[0].AssignedAgent)
	}
	if subtasks[1].Status != models.SubTaskPending {
		t.Errorf("second step status = %s, want pending", subtasks[1].Status)
	}
	if len(assigned) != 1 || assigned[0] != task.ID+"_analysis" {
		t.Errorf("agent notifications = %v, want [%s_analysis]", assigned, task.ID)
	}
}

func TestCompletionEventCascadesToNextStep(t *testing.T) {
	rig := newTestRig(t)
	rig.addAgent(t, "A1",
		models.CapCriticalAnalysis, models.CapCodeGeneration,
		models.CapCodeReview, models.CapDataAnalysis)

	var assigned []string
	cancel, _ := rig.msgBus.SubscribeAgent("A1", func(msg bus.Message) {
		if msg.Type == bus.TypeTaskAssigned {
			assigned = append(assigned, msg.TaskID)
		}
	})
	defer cancel()

	task, err := rig.runtime.SubmitRequest(context.Background(), "implement a log parser", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = rig.msgBus.PublishEvent(context.Background(), bus.Message{
		Type:    bus.TypeTaskCompleted,
		AgentID: "A1",
		TaskID:  task.ID + "_analysis",
		SentAt:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	subtasks := rig.dec.SubTasksForTask(task.ID)
	if subtasks[0].Status != models.SubTaskCompleted {
		t.Errorf("analysis status = %s, want completed", subtasks[0].Status)
	}
	if subtasks[1].Status != models.SubTaskInProgress {
		t.Errorf("implement status = %s, want in_progress after unblock", subtasks[1].Status)
	}
	if subtasks[2].Status != models.SubTaskPending {
		t.Errorf("test status = %s, want still pending", subtasks[2].Status)
	}

	want := []string{task.ID + "_analysis", task.ID + "_implement"}
	if len(assigned) != 2 || assigned[0] != want[0] || assigned[1] != want[1] {
		t.Errorf("agent notifications = %v, want %v", assigned, want)
	}
}

func TestFailureEventRoutesToScheduler(t *testing.T) {
	rig := newTestRig(t)
	rig.addAgent(t, "A1", models.CapResearch)

	task := models.NewTask("t1", []models.Capability{models.CapResearch}, 3)
	agentID, err := rig.runtime.SubmitTask(context.Background(), task)
	if err != nil || agentID != "A1" {
		t.Fatalf("SubmitTask = (%q, %v), want (A1, nil)", agentID, err)
	}

	err = rig.msgBus.PublishEvent(context.Background(), bus.Message{
		Type:    bus.TypeTaskFailed,
		AgentID: "A1",
		TaskID:  "t1",
		Reason:  "agent crashed",
		Retry:   true,
		SentAt:  time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := rig.sched.TaskAgent("t1"); ok {
		t.Error("failed task should no longer be active")
	}
	if task.RetryCount != 1 || task.Priority != 2 {
		t.Errorf("retry state = (count=%d, priority=%d), want (1, 2)", task.RetryCount, task.Priority)
	}
}

func TestSubmitRequest_PriorityAndDeadline(t *testing.T) {
	rig := newTestRig(t)
	rig.addAgent(t, "A1", models.CapTechnicalWriting, models.CapCreativeWriting,
		models.CapResearch, models.CapCriticalAnalysis)

	before := time.Now()
	task, err := rig.runtime.SubmitRequest(context.Background(), "urgent: write the incident report", nil)
	if err != nil {
		t.Fatal(err)
	}

	if task.Priority != models.PriorityHighest {
		t.Errorf("priority = %d, want 1 for urgent request", task.Priority)
	}
	if task.Deadline == nil {
		t.Fatal("submitted task should carry a deadline")
	}
	remaining := task.Deadline.Sub(before)
	if remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Errorf("deadline %s from now, want about 24h", remaining)
	}
	if task.Description() != "urgent: write the incident report" {
		t.Errorf("description = %q", task.Description())
	}
}

func TestStatus(t *testing.T) {
	rig := newTestRig(t)
	rig.addAgent(t, "A1", models.CapResearch)

	task := models.NewTask("t1", []models.Capability{models.CapResearch}, 3)
	if _, err := rig.runtime.SubmitTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if got := rig.runtime.Status("t1"); got.State != "assigned" || got.AgentID != "A1" {
		t.Errorf("Status = %+v, want assigned to A1", got)
	}

	// Unservable capability queues.
	queued := models.NewTask("t2", []models.Capability{models.CapLegalAnalysis}, 3)
	if _, err := rig.runtime.SubmitTask(context.Background(), queued); err != nil {
		t.Fatal(err)
	}
	if got := rig.runtime.Status("t2"); got.State != "queued" {
		t.Errorf("Status = %+v, want queued", got)
	}

	if got := rig.runtime.Status("ghost"); got.State != "unknown" {
		t.Errorf("Status = %+v, want unknown", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.runtime.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRegisterEventPopulatesRegistry(t *testing.T) {
	rig := newTestRig(t)

	err := rig.msgBus.PublishEvent(context.Background(), bus.Message{
		Type:    bus.TypeRegister,
		AgentID: "A1",
		Capabilities: map[string]float64{
			"code_review":     0.6,
			"code_generation": 0.9,
		},
		SentAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	profile := rig.reg.AgentCapabilities("A1")
	if len(profile) != 2 {
		t.Fatalf("got %d capabilities, want 2", len(profile))
	}
	// Entries land in capability name order.
	if profile[0].Capability != models.CapCodeGeneration || profile[0].Strength != 0.9 {
		t.Errorf("profile[0] = %+v, want code_generation at 0.9", profile[0])
	}
	if profile[1].Capability != models.CapCodeReview || profile[1].Strength != 0.6 {
		t.Errorf("profile[1] = %+v, want code_review at 0.6", profile[1])
	}

	// Registration alone makes the agent schedulable, no separate heartbeat.
	task := models.NewTask("t1", []models.Capability{models.CapCodeGeneration}, 3)
	agentID, err := rig.runtime.SubmitTask(context.Background(), task)
	if err != nil || agentID != "A1" {
		t.Errorf("SubmitTask = (%q, %v), want (A1, nil)", agentID, err)
	}
}

func TestRegisterEventRejectsBadProfile(t *testing.T) {
	rig := newTestRig(t)

	err := rig.msgBus.PublishEvent(context.Background(), bus.Message{
		Type:         bus.TypeRegister,
		AgentID:      "A1",
		Capabilities: map[string]float64{"code_generation": 1.5},
		SentAt:       time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rig.reg.AgentCapabilities("A1") != nil {
		t.Error("out-of-range strength should leave the registry unchanged")
	}
}

func TestStopReturnsBeforeFirstSweep(t *testing.T) {
	reg := registry.New(nil)
	sched := scheduler.New(reg)
	dec := decompose.New(sched, nil)
	msgBus := bus.NewInProc()
	defer msgBus.Close()

	rt := New(reg, sched, dec, msgBus, WithSweepInterval(time.Hour))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Stop must unblock the sweep goroutine even when it never got to run.
	rt.Stop()
	rt.Stop() // second Stop is a no-op

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("restart after Stop failed: %v", err)
	}
	rt.Stop()
}
