// Package registry provides a thread-safe store of per-agent capability
// profiles with capability-based queries.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/memory"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Registry maps agent IDs to their capability profiles. All mutations are
// serialized under one mutex; persistence is a best-effort side effect that
// runs after the lock is released and never fails the mutating call.
type Registry struct {
	// mu protects agents.
	mu sync.Mutex
	// agents maps agent ID to its full capability profile.
	agents map[string][]models.AgentCapability
	// store receives profile snapshots after each mutation.
	store memory.Store
	// debugLog is an optional logging function.
	debugLog func(format string, args ...any)
}

// New creates an empty Registry. A nil store disables persistence.
func New(store memory.Store) *Registry {
	if store == nil {
		store = memory.Nop{}
	}
	return &Registry{
		agents:   make(map[string][]models.AgentCapability),
		store:    store,
		debugLog: func(format string, args ...any) {},
	}
}

// SetDebugLog sets the debug logging function.
func (r *Registry) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		r.debugLog = fn
	}
}

// RegisterAgent replaces an agent's full capability profile. The list must
// be non-empty and every entry valid; on any validation error the registry
// is left unchanged.
func (r *Registry) RegisterAgent(agentID string, caps []models.AgentCapability) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return fmt.Errorf("%w: agent id must be non-empty", models.ErrValidation)
	}
	if len(caps) == 0 {
		return fmt.Errorf("%w: agent %s capability list cannot be empty", models.ErrValidation, agentID)
	}

	now := time.Now().UTC()
	profile := make([]models.AgentCapability, len(caps))
	for i, c := range caps {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		if c.LastUpdated.IsZero() {
			c.LastUpdated = now
		}
		profile[i] = c
	}

	r.mu.Lock()
	r.agents[agentID] = profile
	snapshot := copyProfile(profile)
	r.mu.Unlock()

	r.debugLog("[registry] registered agent %s with %d capabilities", agentID, len(profile))
	r.persist(agentID, snapshot)
	return nil
}

// UpdateCapability updates an existing capability in place, or appends it
// when the agent does not yet have it. Returns false if the agent is not
// registered.
func (r *Registry) UpdateCapability(agentID string, cap models.AgentCapability) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, fmt.Errorf("%w: agent id must be non-empty", models.ErrValidation)
	}
	if err := cap.Validate(); err != nil {
		return false, err
	}
	if cap.LastUpdated.IsZero() {
		cap.LastUpdated = time.Now().UTC()
	}

	r.mu.Lock()
	profile, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		r.debugLog("[registry] update for unknown agent %s", agentID)
		return false, nil
	}

	replaced := false
	for i := range profile {
		if profile[i].Capability == cap.Capability {
			profile[i] = cap
			replaced = true
			break
		}
	}
	if !replaced {
		profile = append(profile, cap)
		r.agents[agentID] = profile
	}
	snapshot := copyProfile(profile)
	r.mu.Unlock()

	r.debugLog("[registry] updated capability %s for agent %s (replaced=%v)", cap.Capability, agentID, replaced)
	r.persist(agentID, snapshot)
	return true, nil
}

// RemoveCapability removes one capability from an agent's profile.
// Returns true only if a removal occurred.
func (r *Registry) RemoveCapability(agentID string, c models.Capability) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, fmt.Errorf("%w: agent id must be non-empty", models.ErrValidation)
	}
	if !c.Valid() {
		return false, fmt.Errorf("%w: unknown capability %q", models.ErrValidation, c)
	}

	r.mu.Lock()
	profile, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}

	kept := profile[:0]
	for _, entry := range profile {
		if entry.Capability != c {
			kept = append(kept, entry)
		}
	}
	removed := len(kept) < len(profile)
	var snapshot []models.AgentCapability
	if removed {
		r.agents[agentID] = kept
		snapshot = copyProfile(kept)
	}
	r.mu.Unlock()

	if removed {
		r.debugLog("[registry] removed capability %s from agent %s", c, agentID)
		r.persist(agentID, snapshot)
	}
	return removed, nil
}

// AgentCapabilities returns a copy of an agent's profile, or nil if the
// agent is not registered.
func (r *Registry) AgentCapabilities(agentID string) []models.AgentCapability {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return nil
	}
	return copyProfile(profile)
}

// AgentIDs returns all registered agent IDs in ascending order.
func (r *Registry) AgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentIDsLocked()
}

// agentIDsLocked returns sorted agent IDs. Caller must hold r.mu.
func (r *Registry) agentIDsLocked() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BestAgent returns the agent with the highest strength for a capability.
// Ties break to the lowest agent ID. The second result is false when no
// registered agent has the capability.
func (r *Registry) BestAgent(c models.Capability) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestAgent := ""
	bestStrength := -1.0

	// Iterate in sorted ID order so equal strengths resolve deterministically.
	for _, agentID := range r.agentIDsLocked() {
		for _, entry := range r.agents[agentID] {
			if entry.Capability == c && entry.Strength > bestStrength {
				bestAgent = agentID
				bestStrength = entry.Strength
			}
		}
	}

	return bestAgent, bestAgent != ""
}

// AgentsWithCapability returns the IDs of agents holding a capability at or
// above minStrength, in ascending ID order.
func (r *Registry) AgentsWithCapability(c models.Capability, minStrength float64) ([]string, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: unknown capability %q", models.ErrValidation, c)
	}
	if minStrength < 0.0 || minStrength > 1.0 {
		return nil, fmt.Errorf("%w: min strength %.2f out of range [0,1]", models.ErrValidation, minStrength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var qualified []string
	for _, agentID := range r.agentIDsLocked() {
		for _, entry := range r.agents[agentID] {
			if entry.Capability == c && entry.Strength >= minStrength {
				qualified = append(qualified, agentID)
				break
			}
		}
	}
	return qualified, nil
}

// AgentsByCategory returns each agent's capabilities within one category.
// Agents with no capability in the category are omitted.
func (r *Registry) AgentsByCategory(cat models.CapabilityCategory) map[string][]models.AgentCapability {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string][]models.AgentCapability)
	for agentID, profile := range r.agents {
		var matched []models.AgentCapability
		for _, entry := range profile {
			if entry.Capability.Category() == cat {
				matched = append(matched, entry)
			}
		}
		if len(matched) > 0 {
			result[agentID] = matched
		}
	}
	return result
}

// Matrix returns a diagnostic snapshot of every agent's strength per
// capability.
func (r *Registry) Matrix() map[string]map[models.Capability]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	matrix := make(map[string]map[models.Capability]float64, len(r.agents))
	for agentID, profile := range r.agents {
		row := make(map[models.Capability]float64, len(profile))
		for _, entry := range profile {
			row[entry.Capability] = entry.Strength
		}
		matrix[agentID] = row
	}
	return matrix
}

// persist writes a profile snapshot to the store. Failures are logged and
// never surfaced to the mutating caller. Must be called without holding r.mu.
func (r *Registry) persist(agentID string, profile []models.AgentCapability) {
	caps := make([]map[string]any, len(profile))
	for i, entry := range profile {
		caps[i] = map[string]any{
			"capability":   string(entry.Capability),
			"strength":     entry.Strength,
			"last_updated": entry.LastUpdated,
		}
	}
	if _, err := r.store.Save(agentID, memory.KindCapabilityProfile, map[string]any{"capabilities": caps}); err != nil {
		r.debugLog("[registry] persist profile for %s failed: %v", agentID, err)
	}
}

func copyProfile(profile []models.AgentCapability) []models.AgentCapability {
	out := make([]models.AgentCapability, len(profile))
	copy(out, profile)
	return out
}
