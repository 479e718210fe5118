package models

import "testing"

func TestCapability_Valid(t *testing.T) {
	for _, c := range AllCapabilities {
		if !c.Valid() {
			t.Errorf("capability %q should be valid", c)
		}
	}

	invalid := []Capability{"", "unknown", "CODE_GENERATION"}
	for _, c := range invalid {
		if c.Valid() {
			t.Errorf("capability %q should be invalid", c)
		}
	}
}

func TestCapability_Category(t *testing.T) {
	tests := []struct {
		cap  Capability
		want CapabilityCategory
	}{
		{CapCreativeWriting, CategoryLanguage},
		{CapSummarization, CategoryLanguage},
		{CapCodeGeneration, CategoryCode},
		{CapCodeReview, CategoryCode},
		{CapLogicalReasoning, CategoryReasoning},
		{CapDataAnalysis, CategoryData},
		{CapFactChecking, CategoryData},
		{CapLegalAnalysis, CategoryDomain},
		{CapTaskPlanning, CategoryTask},
		{CapComputerUse, CategoryModel},
		{Capability("bogus"), CategoryMisc},
	}

	for _, tt := range tests {
		t.Run(string(tt.cap), func(t *testing.T) {
			if got := tt.cap.Category(); got != tt.want {
				t.Errorf("Category() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCapability_EveryCapabilityHasCategory(t *testing.T) {
	for _, c := range AllCapabilities {
		if c.Category() == CategoryMisc {
			t.Errorf("capability %q has no category", c)
		}
	}
}

func TestAgentCapability_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ac      AgentCapability
		wantErr bool
	}{
		{"valid", AgentCapability{Capability: CapResearch, Strength: 0.5}, false},
		{"zero strength", AgentCapability{Capability: CapResearch, Strength: 0.0}, false},
		{"full strength", AgentCapability{Capability: CapResearch, Strength: 1.0}, false},
		{"negative strength", AgentCapability{Capability: CapResearch, Strength: -0.1}, true},
		{"strength above one", AgentCapability{Capability: CapResearch, Strength: 1.1}, true},
		{"unknown capability", AgentCapability{Capability: "bogus", Strength: 0.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ac.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
