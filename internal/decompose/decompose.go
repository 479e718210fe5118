// Package decompose splits composite tasks into archetype-specific chains of
// ordered subtasks and gates their assignment on dependency completion.
package decompose

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/dispatch/internal/memory"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// archetype is the decomposition strategy for a task.
type archetype string

const (
	archetypeCode     archetype = "code"
	archetypeWriting  archetype = "writing"
	archetypeAnalysis archetype = "analysis"
	archetypeGeneral  archetype = "general"
)

// MaxComplexity caps the estimated complexity of any single subtask.
const MaxComplexity = 5.0

// complexityKeywords are description keywords that multiply the complexity
// estimate. Each keyword applies at most once.
var complexityKeywords = map[string]float64{
	"optimize":  1.5,
	"improve":   1.3,
	"refactor":  1.4,
	"design":    1.3,
	"implement": 1.2,
	"test":      1.1,
	"debug":     1.3,
	"analyze":   1.2,
	"research":  1.3,
}

// Assigner is the scheduler surface the decomposer delegates to.
type Assigner interface {
	// AssignTask assigns a task, returning the agent ID or "" if queued.
	AssignTask(task *models.Task) (string, error)
}

// Decomposer breaks composite tasks into subtask chains and tracks them
// through to completion. It must never be called back into by its Assigner.
type Decomposer struct {
	mu       sync.Mutex
	assigner Assigner
	subtasks map[string]*models.SubTask
	pending  []progress
	store    memory.Store
	debugLog func(format string, args ...any)
}

// progress is a deferred subtask progress write.
type progress struct {
	ownerID string
	content map[string]any
}

// New creates a Decomposer delegating assignment to the given Assigner.
// A nil store disables progress persistence.
func New(assigner Assigner, store memory.Store) *Decomposer {
	if store == nil {
		store = memory.Nop{}
	}
	return &Decomposer{
		assigner: assigner,
		subtasks: make(map[string]*models.SubTask),
		store:    store,
		debugLog: func(format string, args ...any) {},
	}
}

// SetDebugLog sets the debug logging function.
func (d *Decomposer) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		d.debugLog = fn
	}
}

// DecomposeTask expands a task into its archetype's subtask chain. Every
// produced subtask is registered for dependency tracking before the call
// returns. Subtask IDs are derived from the parent ID, so decomposing the
// same task twice replaces the earlier chain.
func (d *Decomposer) DecomposeTask(task *models.Task) ([]*models.SubTask, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", models.ErrValidation)
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	kind := classify(task)
	d.debugLog("[decompose] task %s classified as %s", task.ID, kind)

	var subtasks []*models.SubTask
	switch kind {
	case archetypeCode:
		subtasks = codeSteps(task)
	case archetypeWriting:
		subtasks = writingSteps(task)
	case archetypeAnalysis:
		subtasks = analysisSteps(task)
	default:
		subtasks = generalSteps(task)
	}

	for _, st := range subtasks {
		st.EstimatedComplexity = estimateComplexity(st.Description(), st.RequiredCapabilities)
	}

	d.mu.Lock()
	for _, st := range subtasks {
		d.subtasks[st.ID] = st
	}
	d.mu.Unlock()

	for _, st := range subtasks {
		d.saveProgress(st, map[string]any{
			"status":       string(st.Status),
			"description":  st.Description(),
			"step_number":  st.StepNumber,
			"complexity":   st.EstimatedComplexity,
			"dependencies": st.DependsOn,
		})
	}

	d.debugLog("[decompose] task %s expanded into %d subtasks", task.ID, len(subtasks))
	return subtasks, nil
}

// AssignSubTasks attempts to assign the given subtasks in step order. A
// subtask is skipped while any dependency is incomplete; one whose assignment
// finds no agent stays pending for a later pass.
func (d *Decomposer) AssignSubTasks(subtasks []*models.SubTask) {
	d.mu.Lock()
	d.assignLocked(subtasks)
	writes := d.takePendingLocked()
	d.mu.Unlock()
	d.flush(writes)
}

// UpdateSubTaskStatus records a subtask's new status. A transition to
// completed re-attempts every subtask that depends on it. Returns false for
// an unknown subtask or invalid status.
func (d *Decomposer) UpdateSubTaskStatus(subtaskID string, status models.SubTaskStatus) bool {
	if !status.Valid() {
		d.debugLog("[decompose] invalid status %q for subtask %s", status, subtaskID)
		return false
	}

	d.mu.Lock()
	st, ok := d.subtasks[subtaskID]
	if !ok {
		d.mu.Unlock()
		d.debugLog("[decompose] status update for unknown subtask %s", subtaskID)
		return false
	}
	st.Status = status
	d.debugLog("[decompose] subtask %s status -> %s", subtaskID, status)

	if status == models.SubTaskCompleted {
		var dependents []*models.SubTask
		for _, candidate := range d.subtasks {
			for _, dep := range candidate.DependsOn {
				if dep == subtaskID {
					dependents = append(dependents, candidate)
					break
				}
			}
		}
		if len(dependents) > 0 {
			d.assignLocked(dependents)
		}
	}
	writes := d.takePendingLocked()
	d.mu.Unlock()

	d.flush(writes)
	return true
}

// SubTasksForTask returns the registered subtasks of a parent task in step
// order.
func (d *Decomposer) SubTasksForTask(parentTaskID string) []*models.SubTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*models.SubTask
	for _, st := range d.subtasks {
		if st.ParentTaskID == parentTaskID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

// SubTask returns a registered subtask by ID.
func (d *Decomposer) SubTask(subtaskID string) (*models.SubTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.subtasks[subtaskID]
	return st, ok
}

// assignLocked is the single assignment pass: step order, dependency gating,
// delegate to the Assigner. Idempotent — already-started subtasks are
// skipped, and a multi-dependency subtask is re-checked from scratch on
// every call. Caller must hold d.mu.
func (d *Decomposer) assignLocked(subtasks []*models.SubTask) {
	ordered := make([]*models.SubTask, len(subtasks))
	copy(ordered, subtasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepNumber < ordered[j].StepNumber })

	for _, st := range ordered {
		if st.Status != models.SubTaskPending {
			continue
		}
		if !d.dependenciesMetLocked(st) {
			d.debugLog("[decompose] subtask %s waiting on dependencies", st.ID)
			continue
		}

		agentID, err := d.assigner.AssignTask(&st.Task)
		if err != nil {
			d.debugLog("[decompose] subtask %s rejected by scheduler: %v", st.ID, err)
			continue
		}
		if agentID == "" {
			d.debugLog("[decompose] no agent available for subtask %s", st.ID)
			continue
		}

		st.Status = models.SubTaskInProgress
		st.AssignedAgent = agentID
		d.pendingLocked(st, map[string]any{
			"status":         string(st.Status),
			"assigned_agent": agentID,
		})
		d.debugLog("[decompose] subtask %s assigned to agent %s", st.ID, agentID)
	}
}

// dependenciesMetLocked reports whether every dependency of a subtask has
// completed. Unknown dependencies count as incomplete.
func (d *Decomposer) dependenciesMetLocked(st *models.SubTask) bool {
	for _, depID := range st.DependsOn {
		dep, ok := d.subtasks[depID]
		if !ok || dep.Status != models.SubTaskCompleted {
			return false
		}
	}
	return true
}

// saveProgress writes a subtask progress record, best effort. Never call
// while holding d.mu; use pendingLocked there instead.
func (d *Decomposer) saveProgress(st *models.SubTask, content map[string]any) {
	content["subtask_id"] = st.ID
	content["parent_task_id"] = st.ParentTaskID
	if _, err := d.store.Save(st.ParentTaskID, memory.KindSubTaskProgress, content); err != nil {
		d.debugLog("[decompose] progress write for subtask %s failed: %v", st.ID, err)
	}
}

// pendingLocked defers a progress write until the lock is released. Caller
// must hold d.mu.
func (d *Decomposer) pendingLocked(st *models.SubTask, content map[string]any) {
	content["subtask_id"] = st.ID
	content["parent_task_id"] = st.ParentTaskID
	d.pending = append(d.pending, progress{ownerID: st.ParentTaskID, content: content})
}

// takePendingLocked returns and clears the deferred writes. Caller must hold
// d.mu.
func (d *Decomposer) takePendingLocked() []progress {
	writes := d.pending
	d.pending = nil
	return writes
}

// flush writes deferred progress records to the store. Failures are logged,
// never propagated; in-memory state is authoritative.
func (d *Decomposer) flush(writes []progress) {
	for _, w := range writes {
		if _, err := d.store.Save(w.ownerID, memory.KindSubTaskProgress, w.content); err != nil {
			d.debugLog("[decompose] progress write for task %s failed: %v", w.ownerID, err)
		}
	}
}

// classify picks the decomposition archetype. First match wins: code beats
// writing beats analysis; anything else is general.
func classify(task *models.Task) archetype {
	has := func(caps ...models.Capability) bool {
		for _, c := range caps {
			for _, required := range task.RequiredCapabilities {
				if required == c {
					return true
				}
			}
		}
		return false
	}

	switch {
	case has(models.CapCodeGeneration, models.CapCodeReview, models.CapCodeOptimization):
		return archetypeCode
	case has(models.CapTechnicalWriting, models.CapCreativeWriting):
		return archetypeWriting
	case has(models.CapDataAnalysis, models.CapCriticalAnalysis, models.CapResearch):
		return archetypeAnalysis
	default:
		return archetypeGeneral
	}
}

// estimateComplexity scores relative subtask effort: baseline 1.0, raised by
// capability count and description keywords, capped at MaxComplexity.
func estimateComplexity(description string, caps []models.Capability) float64 {
	complexity := 1.0 * (1 + 0.2*float64(len(caps)))

	lower := strings.ToLower(description)
	for keyword, multiplier := range complexityKeywords {
		if strings.Contains(lower, keyword) {
			complexity *= multiplier
		}
	}

	if complexity > MaxComplexity {
		return MaxComplexity
	}
	return complexity
}

// filterCapabilities returns the parent capabilities whose name contains the
// substring, falling back to the full parent list when none match so a step
// never ends up unassignable.
func filterCapabilities(task *models.Task, substring string) []models.Capability {
	var out []models.Capability
	for _, c := range task.RequiredCapabilities {
		if strings.Contains(string(c), substring) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = append(out, task.RequiredCapabilities...)
	}
	return out
}

// newStep builds one subtask of a chain, inheriting priority, deadline, and
// retry policy from the parent.
func newStep(parent *models.Task, suffix string, caps []models.Capability, description string, step int, deps ...string) *models.SubTask {
	task := models.NewTask(parent.ID+"_"+suffix, caps, parent.Priority)
	task.Deadline = parent.Deadline
	task.Timeout = parent.Timeout
	task.MaxRetries = parent.MaxRetries
	task.Metadata = map[string]any{"description": description}

	return &models.SubTask{
		Task:         *task,
		ParentTaskID: parent.ID,
		DependsOn:    deps,
		StepNumber:   step,
		Status:       models.SubTaskPending,
	}
}

// codeSteps is the chain for code tasks: analyze, implement, test, and an
// optimization step only when one was requested.
func codeSteps(task *models.Task) []*models.SubTask {
	analysis := newStep(task, "analysis",
		[]models.Capability{models.CapCriticalAnalysis},
		"Analyze requirements and plan implementation approach", 1)
	implement := newStep(task, "implement",
		filterCapabilities(task, "code"),
		"Implement the planned solution", 2, analysis.ID)
	test := newStep(task, "test",
		[]models.Capability{models.CapCodeReview},
		"Test implementation and review code quality", 3, implement.ID)

	subtasks := []*models.SubTask{analysis, implement, test}

	for _, c := range task.RequiredCapabilities {
		if strings.Contains(string(c), "optimiz") {
			subtasks = append(subtasks, newStep(task, "optimize",
				[]models.Capability{models.CapCodeOptimization},
				"Optimize code for better performance", 4, test.ID))
			break
		}
	}
	return subtasks
}

// writingSteps is the chain for writing tasks: research, outline, write,
// review.
func writingSteps(task *models.Task) []*models.SubTask {
	research := newStep(task, "research",
		[]models.Capability{models.CapResearch},
		"Research and gather information", 1)
	outline := newStep(task, "outline",
		filterCapabilities(task, "writing"),
		"Create detailed outline", 2, research.ID)
	write := newStep(task, "write",
		task.RequiredCapabilities,
		"Write initial content", 3, outline.ID)
	review := newStep(task, "review",
		[]models.Capability{models.CapCriticalAnalysis},
		"Review and refine content", 4, write.ID)
	return []*models.SubTask{research, outline, write, review}
}

// analysisSteps is the chain for analysis tasks: gather, analyze, synthesize,
// report.
func analysisSteps(task *models.Task) []*models.SubTask {
	gather := newStep(task, "gather",
		[]models.Capability{models.CapResearch},
		"Gather relevant data and information", 1)
	analyze := newStep(task, "analyze",
		filterCapabilities(task, "analysis"),
		"Analyze gathered information", 2, gather.ID)
	synthesize := newStep(task, "synthesize",
		[]models.Capability{models.CapCriticalAnalysis},
		"Synthesize findings and draw conclusions", 3, analyze.ID)
	report := newStep(task, "report",
		[]models.Capability{models.CapTechnicalWriting},
		"Create detailed report of findings", 4, synthesize.ID)
	return []*models.SubTask{gather, analyze, synthesize, report}
}

// generalSteps is the fallback chain: plan, execute, review.
func generalSteps(task *models.Task) []*models.SubTask {
	plan := newStep(task, "plan",
		[]models.Capability{models.CapCriticalAnalysis},
		"Plan approach and identify requirements", 1)
	execute := newStep(task, "execute",
		task.RequiredCapabilities,
		"Execute planned approach", 2, plan.ID)
	review := newStep(task, "review",
		[]models.Capability{models.CapCriticalAnalysis},
		"Review results and ensure quality", 3, execute.ID)
	return []*models.SubTask{plan, execute, review}
}
