package models

import (
	"fmt"
	"time"
)

// Capability is a symbolic skill tag an agent may possess.
type Capability string

const (
	// Language processing.
	CapCreativeWriting  Capability = "creative_writing"
	CapTechnicalWriting Capability = "technical_writing"
	CapTranslation      Capability = "translation"
	CapSummarization    Capability = "summarization"

	// Code related.
	CapCodeGeneration    Capability = "code_generation"
	CapCodeReview        Capability = "code_review"
	CapCodeOptimization  Capability = "code_optimization"
	CapCodeDocumentation Capability = "code_documentation"

	// Reasoning.
	CapMathReasoning    Capability = "math_reasoning"
	CapLogicalReasoning Capability = "logical_reasoning"
	CapCriticalAnalysis Capability = "critical_analysis"

	// Data and research.
	CapDataAnalysis      Capability = "data_analysis"
	CapDataVisualization Capability = "data_visualization"
	CapResearch          Capability = "research"
	CapFactChecking      Capability = "fact_checking"

	// Domain specific.
	CapScientificReasoning Capability = "scientific_reasoning"
	CapLegalAnalysis       Capability = "legal_analysis"
	CapMedicalKnowledge    Capability = "medical_knowledge"
	CapFinancialAnalysis   Capability = "financial_analysis"

	// Task management.
	CapTaskPlanning       Capability = "task_planning"
	CapTaskPrioritization Capability = "task_prioritization"
	CapResourceManagement Capability = "resource_management"

	// Model specific.
	CapComputerUse Capability = "computer_use"
)

// AllCapabilities lists every known capability in declaration order.
var AllCapabilities = []Capability{
	CapCreativeWriting, CapTechnicalWriting, CapTranslation, CapSummarization,
	CapCodeGeneration, CapCodeReview, CapCodeOptimization, CapCodeDocumentation,
	CapMathReasoning, CapLogicalReasoning, CapCriticalAnalysis,
	CapDataAnalysis, CapDataVisualization, CapResearch, CapFactChecking,
	CapScientificReasoning, CapLegalAnalysis, CapMedicalKnowledge, CapFinancialAnalysis,
	CapTaskPlanning, CapTaskPrioritization, CapResourceManagement,
	CapComputerUse,
}

// Valid returns true if the capability is a known value.
func (c Capability) Valid() bool {
	switch c {
	case CapCreativeWriting, CapTechnicalWriting, CapTranslation, CapSummarization,
		CapCodeGeneration, CapCodeReview, CapCodeOptimization, CapCodeDocumentation,
		CapMathReasoning, CapLogicalReasoning, CapCriticalAnalysis,
		CapDataAnalysis, CapDataVisualization, CapResearch, CapFactChecking,
		CapScientificReasoning, CapLegalAnalysis, CapMedicalKnowledge, CapFinancialAnalysis,
		CapTaskPlanning, CapTaskPrioritization, CapResourceManagement,
		CapComputerUse:
		return true
	default:
		return false
	}
}

// CapabilityCategory groups related capabilities.
type CapabilityCategory string

const (
	CategoryLanguage  CapabilityCategory = "LANGUAGE"
	CategoryCode      CapabilityCategory = "CODE"
	CategoryReasoning CapabilityCategory = "REASONING"
	CategoryData      CapabilityCategory = "DATA"
	CategoryDomain    CapabilityCategory = "DOMAIN"
	CategoryTask      CapabilityCategory = "TASK"
	CategoryModel     CapabilityCategory = "MODEL"
	CategoryMisc      CapabilityCategory = "MISC"
)

// Category returns the category a capability belongs to.
// Unknown capabilities fall into CategoryMisc.
func (c Capability) Category() CapabilityCategory {
	switch c {
	case CapCreativeWriting, CapTechnicalWriting, CapTranslation, CapSummarization:
		return CategoryLanguage
	case CapCodeGeneration, CapCodeReview, CapCodeOptimization, CapCodeDocumentation:
		return CategoryCode
	case CapMathReasoning, CapLogicalReasoning, CapCriticalAnalysis:
		return CategoryReasoning
	case CapDataAnalysis, CapDataVisualization, CapResearch, CapFactChecking:
		return CategoryData
	case CapScientificReasoning, CapLegalAnalysis, CapMedicalKnowledge, CapFinancialAnalysis:
		return CategoryDomain
	case CapTaskPlanning, CapTaskPrioritization, CapResourceManagement:
		return CategoryTask
	case CapComputerUse:
		return CategoryModel
	default:
		return CategoryMisc
	}
}

// AgentCapability records how strong an agent is at a single capability.
type AgentCapability struct {
	// Capability is the skill tag.
	Capability Capability `json:"capability"`
	// Strength is the proficiency, 0.0 to 1.0.
	Strength float64 `json:"strength"`
	// LastUpdated is when this entry was last changed.
	LastUpdated time.Time `json:"last_updated"`
	// Metadata holds optional provider-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the capability entry is well formed.
func (ac AgentCapability) Validate() error {
	if !ac.Capability.Valid() {
		return fmt.Errorf("%w: unknown capability %q", ErrValidation, ac.Capability)
	}
	if ac.Strength < 0.0 || ac.Strength > 1.0 {
		return fmt.Errorf("%w: strength %.2f out of range [0,1]", ErrValidation, ac.Strength)
	}
	return nil
}
