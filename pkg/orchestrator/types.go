// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package orchestrator drives one turn through the stage pipeline: it
// owns the state machine, every loop and retry budget, the turn
// document, and the save pipeline.
package orchestrator

import (
	"time"

	"github.com/teradata-labs/pandora/pkg/intervention"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/stage"
	"github.com/teradata-labs/pandora/pkg/tools"
	"github.com/teradata-labs/pandora/pkg/workflow"
)

// Status is the terminal outcome of a processed turn.
type Status string

const (
	StatusOK               Status = "ok"
	StatusCancelled        Status = "cancelled"
	StatusCancelledPartial Status = "cancelled_partial"
	StatusFailed           Status = "failed"
)

// TurnRequest is one inbound user request.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	// UserID selects the memory corpus. Empty defaults to the session id.
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
	Mode    string `json:"mode"` // chat | code
}

// TurnResult is the orchestrator's answer to one request.
type TurnResult struct {
	Response       string `json:"response"`
	Status         Status `json:"status"`
	ErrorType      string `json:"error_type,omitempty"`
	PhaseReached   string `json:"phase_reached,omitempty"`
	PartialResults string `json:"partial_results,omitempty"`
}

// Recipe names the pipeline invokes, in stage order. Each must exist in
// the recipe registry.
const (
	RecipeAnalyze          = "analyze"
	RecipeValidateAnalysis = "validate_analysis"
	RecipeSearchTerms      = "search_terms"
	RecipeSynthContext     = "synthesize_context"
	RecipeValidateContext  = "validate_context"
	RecipePlan             = "plan"
	RecipeExecutor         = "executor"
	RecipeCoordinator      = "coordinator"
	RecipeSynthesize       = "synthesize"
	RecipeValidateResponse = "validate_response"
	RecipeTurnSummary      = "turn_summary"
	RecipeClassifyWorkflow = "classify_workflow"
)

// Pipeline phases, recorded on the intervention queue for inspection
// and used by the cancellation policy.
const (
	phaseAnalyze    = "analyze"
	phaseRetrieve   = "retrieve"
	phasePlan       = "plan"
	phaseExecute    = "execute"
	phaseSynthesize = "synthesize"
	phaseValidate   = "validate"
	phaseSave       = "save"
)

// Loop and retry budgets. Orchestrator-owned; validators and planners
// are stateless.
const (
	maxExecutorIterations = 10
	maxConsecutiveErrors  = 3
	maxRevise             = 2
	maxRetry              = 1
	maxContextRefresh     = 1
	maxHelperRetry        = 1
)

// queryAnalysis is the Analyze stage output.
type queryAnalysis struct {
	UserPurpose      string            `json:"user_purpose"`
	Intent           string            `json:"intent"`
	Topic            string            `json:"topic"`
	ContentType      string            `json:"content_type"`
	Keywords         []string          `json:"keywords"`
	ReferencedTurns  []int             `json:"referenced_turns"`
	DataRequirements map[string]bool   `json:"data_requirements"`
	References       map[string]string `json:"reference_resolution"`
}

// helperVerdict is the shared output of the validation helper recipes.
type helperVerdict struct {
	Decision      string   `json:"decision"` // pass | retry | clarify
	Issues        []string `json:"issues"`
	RetryGuidance []string `json:"retry_guidance"`
	Clarification string   `json:"clarification_question"`
}

// strategicPlan is the Planner output.
type strategicPlan struct {
	Goals           []planGoal `json:"goals"`
	Approach        string     `json:"approach"`
	SuccessCriteria []string   `json:"success_criteria"`
	Route           string     `json:"route"` // executor | synthesis | clarify | refresh_context
	Reasoning       string     `json:"reasoning"`
	MissingItems    []string   `json:"missing_items"`
	Clarification   string     `json:"clarification_question"`
}

type planGoal struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies"`
}

// executorDecision is one Executor loop iteration's output.
type executorDecision struct {
	Action   string `json:"action"` // COMMAND | ANALYZE | COMPLETE | BLOCKED
	Command  string `json:"command"`
	Analysis string `json:"analysis"`
	Reason   string `json:"reason"`
}

// coordinatorTranslation maps a natural-language command onto one tool
// or workflow invocation.
type coordinatorTranslation struct {
	Tool     string            `json:"tool"`
	Workflow string            `json:"workflow"`
	Args     map[string]string `json:"args"`
}

// responseValidation is the response validator's output.
type responseValidation struct {
	Decision       string          `json:"decision"` // APPROVE | REVISE | RETRY | FAIL
	Confidence     float64         `json:"confidence"`
	Checks         map[string]bool `json:"checks"`
	RevisionHints  []string        `json:"revision_hints"`
	SuggestedFixes []string        `json:"suggested_fixes"`
}

// turn is the working state of one in-flight turn.
type turn struct {
	request    TurnRequest
	userID     string
	mode       tools.Mode
	turnNumber int
	turnID     string
	startedAt  time.Time

	doc      *memory.TurnDocument
	analysis queryAnalysis
	plan     strategicPlan

	// adjustments accumulates unapplied guidance from interventions.
	adjustments []intervention.Adjustment

	executor      *tools.Executor
	engine        *workflow.Engine
	workflowsUsed []string
	claims        []tools.Claim
	toolResults   []string
	researchRan   bool

	refreshCount int
	reviseCount  int
	retryCount   int

	validatorConfidence float64
	appliedGuidance     bool

	metrics   memory.TurnMetrics
	decisions []string
}

func (t *turn) recordStage(result *stage.Result) {
	t.metrics.Stages = append(t.metrics.Stages, memory.StageMetric{
		Stage:         result.Recipe,
		DurationMS:    result.Duration.Milliseconds(),
		TokensIn:      result.TokensIn,
		TokensOut:     result.TokensOut,
		ParseStrategy: string(result.Strategy),
	})
	t.metrics.TotalTokensIn += result.TokensIn
	t.metrics.TotalTokensOut += result.TokensOut
}

func (t *turn) decide(decision string) {
	t.decisions = append(t.decisions, decision)
	t.metrics.Decisions = t.decisions
}
