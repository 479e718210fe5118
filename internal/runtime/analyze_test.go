package runtime

import (
	"testing"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

func TestAnalyzeRequest(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    []models.Capability
	}{
		{
			name:    "code keywords",
			request: "Implement a function to parse logs",
			want:    []models.Capability{models.CapCodeGeneration, models.CapCodeReview},
		},
		{
			name:    "writing keywords",
			request: "Write a summary of the meeting",
			want:    []models.Capability{models.CapTechnicalWriting, models.CapCreativeWriting},
		},
		{
			name:    "analysis keywords",
			request: "Evaluate the quarterly numbers",
			want:    []models.Capability{models.CapCriticalAnalysis, models.CapDataAnalysis},
		},
		{
			name:    "research keywords",
			request: "Find prior art for this approach",
			want:    []models.Capability{models.CapResearch, models.CapFactChecking},
		},
		{
			name:    "planning keywords",
			request: "Organize the release milestones",
			want:    []models.Capability{models.CapTaskPlanning, models.CapTaskPrioritization},
		},
		{
			name:    "multiple rules keep precedence order",
			request: "Write code to analyze the data",
			want: []models.Capability{
				models.CapTechnicalWriting, models.CapCreativeWriting,
				models.CapCodeGeneration, models.CapCodeReview,
				models.CapCriticalAnalysis, models.CapDataAnalysis,
			},
		},
		{
			name:    "no match falls back to defaults",
			request: "Do the thing",
			want:    []models.Capability{models.CapLogicalReasoning, models.CapCriticalAnalysis},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeRequest(tt.request)
			if len(got) != len(tt.want) {
				t.Fatalf("AnalyzeRequest = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("capability %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAnalyzeRequest_Deduplicates(t *testing.T) {
	// "analyze" matches the analysis rule; defaults would re-add
	// critical_analysis if dedupe were missing.
	got := AnalyzeRequest("analyze and assess and evaluate")
	if len(got) != 2 {
		t.Fatalf("AnalyzeRequest = %v, want exactly 2 capabilities", got)
	}
}

func TestDeterminePriority(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		metadata map[string]any
		want     int
	}{
		{name: "default", request: "summarize this", want: 3},
		{name: "urgent keyword", request: "URGENT: fix the build", want: 1},
		{name: "asap keyword", request: "need this asap", want: 1},
		{name: "metadata overrides", request: "summarize this", metadata: map[string]any{"priority": 5}, want: 5},
		{name: "metadata overrides urgency", request: "urgent request", metadata: map[string]any{"priority": 4}, want: 4},
		{name: "metadata clamped low", request: "summarize", metadata: map[string]any{"priority": 0}, want: 1},
		{name: "metadata clamped high", request: "summarize", metadata: map[string]any{"priority": 99}, want: 5},
		{name: "metadata float from JSON", request: "summarize", metadata: map[string]any{"priority": 2.0}, want: 2},
		{name: "metadata garbage ignored", request: "summarize", metadata: map[string]any{"priority": "soon"}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeterminePriority(tt.request, tt.metadata); got != tt.want {
				t.Errorf("DeterminePriority = %d, want %d", got, tt.want)
			}
		})
	}
}
