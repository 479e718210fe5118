package runtime

import (
	"strings"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// capabilityRule maps request keywords to the capabilities they imply.
type capabilityRule struct {
	keywords []string
	caps     []models.Capability
}

// capabilityRules are checked in order so the capability list of an analyzed
// request is deterministic. Earlier capabilities weigh more during scoring.
var capabilityRules = []capabilityRule{
	{
		keywords: []string{"write", "summarize", "explain", "translate"},
		caps:     []models.Capability{models.CapTechnicalWriting, models.CapCreativeWriting},
	},
	{
		keywords: []string{"code", "program", "function", "class", "implement"},
		caps:     []models.Capability{models.CapCodeGeneration, models.CapCodeReview},
	},
	{
		keywords: []string{"analyze", "evaluate", "assess"},
		caps:     []models.Capability{models.CapCriticalAnalysis, models.CapDataAnalysis},
	},
	{
		keywords: []string{"research", "find", "search"},
		caps:     []models.Capability{models.CapResearch, models.CapFactChecking},
	},
	{
		keywords: []string{"plan", "organize", "manage"},
		caps:     []models.Capability{models.CapTaskPlanning, models.CapTaskPrioritization},
	},
}

// defaultCapabilities apply when no rule matches a request.
var defaultCapabilities = []models.Capability{
	models.CapLogicalReasoning, models.CapCriticalAnalysis,
}

// urgentKeywords bump a request to the highest priority.
var urgentKeywords = []string{"urgent", "asap", "emergency", "critical"}

// AnalyzeRequest derives the required capabilities of a free-text request.
// The result is deduplicated and ordered by rule precedence.
func AnalyzeRequest(request string) []models.Capability {
	lower := strings.ToLower(request)

	var caps []models.Capability
	seen := make(map[models.Capability]bool)
	add := func(cs []models.Capability) {
		for _, c := range cs {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}

	for _, rule := range capabilityRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				add(rule.caps)
				break
			}
		}
	}

	if len(caps) == 0 {
		add(defaultCapabilities)
	}
	return caps
}

// DeterminePriority picks a request's priority: the default, bumped to
// highest by urgency keywords, overridden by an explicit metadata priority
// clamped into range.
func DeterminePriority(request string, metadata map[string]any) int {
	priority := 3

	lower := strings.ToLower(request)
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			priority = models.PriorityHighest
			break
		}
	}

	if metadata != nil {
		if hint, ok := metadataPriority(metadata["priority"]); ok {
			priority = hint
		}
	}
	return priority
}

// metadataPriority coerces a metadata priority hint into the valid range.
func metadataPriority(v any) (int, bool) {
	var p int
	switch n := v.(type) {
	case int:
		p = n
	case float64:
		p = int(n)
	default:
		return 0, false
	}

	if p < models.PriorityHighest {
		p = models.PriorityHighest
	}
	if p > models.PriorityLowest {
		p = models.PriorityLowest
	}
	return p, true
}
