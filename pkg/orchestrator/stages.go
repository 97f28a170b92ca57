// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/confidence"
	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/memory/retriever"
	"github.com/teradata-labs/pandora/pkg/stage"
)

// stageAnalyze runs query analysis plus its validation helper, writing
// sections 0 and 1.
func (o *Orchestrator) stageAnalyze(ctx context.Context, t *turn) (*TurnResult, error) {
	vars := map[string]string{
		"query":       t.request.Message,
		"mode":        string(t.mode),
		"adjustments": t.adjustmentVars(),
	}

	var analysis queryAnalysis
	run := func(guidance string) error {
		vars["retry_guidance"] = guidance
		result, err := o.cfg.Runner.Run(ctx, RecipeAnalyze, stage.Request{
			System: o.cfg.SystemPrompt,
			Vars:   vars,
		})
		if err != nil {
			return err
		}
		t.recordStage(result)
		return result.Parsed.Decode(&analysis)
	}
	if err := run(""); err != nil {
		return nil, err
	}

	verdict, err := o.validateHelper(ctx, t, RecipeValidateAnalysis, t.request.Message, analysis.UserPurpose)
	if err != nil {
		return nil, err
	}
	if verdict.Decision == "retry" {
		t.decide("analysis retry")
		if err := run(strings.Join(verdict.RetryGuidance, "; ")); err != nil {
			return nil, err
		}
		verdict, err = o.validateHelper(ctx, t, RecipeValidateAnalysis, t.request.Message, analysis.UserPurpose)
		if err != nil {
			return nil, err
		}
		if verdict.Decision == "retry" {
			return nil, fault.Newf(fault.SchemaFailure, RecipeValidateAnalysis,
				"query analysis failed validation twice")
		}
	}

	t.analysis = analysis

	// Section 0 is written once, after analysis, and is immutable from
	// here on.
	if err := t.doc.Append(RecipeAnalyze, memory.SectionQuery, "Query", formatQuerySection(t)); err != nil {
		return nil, fault.New(fault.UnknownError, RecipeAnalyze, err)
	}
	if err := t.doc.Append(RecipeValidateAnalysis, memory.SectionQueryValidation,
		"Query Analysis Validation", formatVerdict(verdict)); err != nil {
		return nil, fault.New(fault.UnknownError, RecipeValidateAnalysis, err)
	}

	if verdict.Decision == "clarify" {
		t.decide("clarify at analysis")
		question := verdict.Clarification
		if question == "" {
			question = "Could you clarify what you need?"
		}
		return &TurnResult{Response: question, Status: StatusOK}, nil
	}
	return nil, nil
}

// validateHelper runs a pass/retry/clarify validation stage and writes
// nothing; the caller owns the section write.
func (o *Orchestrator) validateHelper(ctx context.Context, t *turn, recipe, input, derived string) (*helperVerdict, error) {
	result, err := o.cfg.Runner.Run(ctx, recipe, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"query":   input,
			"derived": derived,
		},
	})
	if err != nil {
		return nil, err
	}
	t.recordStage(result)

	var verdict helperVerdict
	if err := result.Parsed.Decode(&verdict); err != nil {
		return nil, fault.New(fault.SchemaFailure, recipe, err)
	}
	switch verdict.Decision {
	case "pass", "retry", "clarify":
	default:
		return nil, fault.Newf(fault.SchemaFailure, recipe,
			"helper returned unknown decision %q", verdict.Decision)
	}
	return &verdict, nil
}

// stageGatherContext runs retrieval and context synthesis plus the
// context validation helper, writing section 2. The planner's
// refresh_context route re-enters here.
func (o *Orchestrator) stageGatherContext(ctx context.Context, t *turn) (*TurnResult, error) {
	attempt := func(guidance string) (*helperVerdict, error) {
		results, err := o.cfg.Retriever.Retrieve(ctx, t.userID, t.request.Message,
			t.analysis.UserPurpose, guidance, t.analysis.ReferencedTurns)
		if err != nil {
			return nil, err
		}

		body, err := o.synthesizeContext(ctx, t, results)
		if err != nil {
			return nil, err
		}

		title := "Gathered Context"
		if t.doc.Has(memory.SectionGatheredContext) {
			err = t.doc.AppendAttempt(RecipeSynthContext, memory.SectionGatheredContext, title, body)
		} else {
			err = t.doc.Append(RecipeSynthContext, memory.SectionGatheredContext, title, body)
		}
		if err != nil {
			return nil, fault.New(fault.UnknownError, RecipeSynthContext, err)
		}

		return o.validateHelper(ctx, t, RecipeValidateContext, t.request.Message, body)
	}

	verdict, err := attempt("")
	if err != nil {
		return nil, err
	}
	if verdict.Decision == "retry" {
		t.decide("context retry")
		verdict, err = attempt(strings.Join(verdict.RetryGuidance, "; "))
		if err != nil {
			return nil, err
		}
		if verdict.Decision == "retry" {
			return nil, fault.Newf(fault.SchemaFailure, RecipeValidateContext,
				"context synthesis failed validation twice")
		}
	}
	if verdict.Decision == "clarify" {
		t.decide("clarify at context")
		question := verdict.Clarification
		if question == "" {
			question = "Could you clarify what you need?"
		}
		return &TurnResult{Response: question, Status: StatusOK}, nil
	}
	return nil, nil
}

// synthesizeContext formats the retrieval results into the per-source
// sections with their _meta blocks and asks the context stage for the
// leading summary.
func (o *Orchestrator) synthesizeContext(ctx context.Context, t *turn, results *retriever.SearchResults) (string, error) {
	formatted := formatContextSections(results)

	result, err := o.cfg.Runner.Run(ctx, RecipeSynthContext, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"query":       t.request.Message,
			"purpose":     t.analysis.UserPurpose,
			"adjustments": t.adjustmentVars(),
		},
		Sections: []stage.PromptSection{
			{Section: memory.SectionGatheredContext, Title: "Retrieved Context", Body: formatted, Confidence: 0.5, Droppable: true},
		},
	})
	if err != nil {
		return "", err
	}
	t.recordStage(result)

	if formatted == "" {
		// Zero-node scaffold: the synthesis still runs, noting the
		// absence of prior context.
		return result.Text, nil
	}
	return result.Text + "\n\n" + formatted, nil
}

// stagePlanAndExecute covers planner routing, the executor loop,
// synthesis, and response validation. It always returns a terminal
// result.
func (o *Orchestrator) stagePlanAndExecute(ctx context.Context, t *turn) (*TurnResult, error) {
	for {
		if aborted := o.checkInterventions(t, phasePlan); aborted != nil {
			return aborted, nil
		}
		plan, err := o.runPlanner(ctx, t, "")
		if err != nil {
			return nil, err
		}
		t.plan = *plan
		t.decide("plan route " + plan.Route)

		switch plan.Route {
		case "clarify":
			question := plan.Clarification
			if question == "" {
				question = plan.Reasoning
			}
			return &TurnResult{Response: question, Status: StatusOK}, nil

		case "refresh_context":
			if t.refreshCount >= maxContextRefresh {
				// A second refresh request proceeds to synthesis with
				// the evidence it has.
				o.logger.Warn("Planner requested refresh_context twice, proceeding to synthesis",
					zap.String("turn_id", t.turnID))
				return o.synthesizeAndValidate(ctx, t, "context refresh budget exhausted")
			}
			t.refreshCount++
			if aborted := o.checkInterventions(t, phaseRetrieve); aborted != nil {
				return aborted, nil
			}
			if done, err := o.stageGatherContext(ctx, t); err != nil || done != nil {
				return done, err
			}
			continue // re-plan with the refreshed context

		case "executor":
			o.cfg.Queue.SetPhase(t.request.SessionID, phaseExecute)
			terminationReason, aborted, err := o.executorLoop(ctx, t)
			if err != nil {
				return nil, err
			}
			if aborted != nil {
				return aborted, nil
			}
			return o.synthesizeAndValidate(ctx, t, terminationReason)

		case "synthesis":
			return o.synthesizeAndValidate(ctx, t, "")

		default:
			return nil, fault.Newf(fault.SchemaFailure, RecipePlan,
				"planner returned unknown route %q", plan.Route)
		}
	}
}

// runPlanner invokes the planner recipe and appends section 3.
// suggestedFixes is non-empty on a validation RETRY re-entry.
func (o *Orchestrator) runPlanner(ctx context.Context, t *turn, suggestedFixes string) (*strategicPlan, error) {
	result, err := o.cfg.Runner.Run(ctx, RecipePlan, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"query":           t.request.Message,
			"purpose":         t.analysis.UserPurpose,
			"mode":            string(t.mode),
			"suggested_fixes": suggestedFixes,
			"adjustments":     t.adjustmentVars(),
		},
		Sections: documentSections(t.doc, memory.SectionQuery, memory.SectionGatheredContext),
	})
	if err != nil {
		return nil, err
	}
	t.recordStage(result)

	var plan strategicPlan
	if err := result.Parsed.Decode(&plan); err != nil {
		return nil, fault.New(fault.SchemaFailure, RecipePlan, err)
	}

	title := "Strategic Plan"
	body := formatPlan(&plan)
	if t.doc.Has(memory.SectionPlan) {
		err = t.doc.AppendAttempt(RecipePlan, memory.SectionPlan, title, body)
	} else {
		err = t.doc.Append(RecipePlan, memory.SectionPlan, title, body)
	}
	if err != nil {
		return nil, fault.New(fault.UnknownError, RecipePlan, err)
	}
	return &plan, nil
}

// synthesizeAndValidate runs synthesis and response validation with
// the REVISE/RETRY machinery. terminationReason is carried into the
// synthesis prompt when the executor loop exited abnormally.
func (o *Orchestrator) synthesizeAndValidate(ctx context.Context, t *turn, terminationReason string) (*TurnResult, error) {
	revisionHints := ""
	for {
		o.cfg.Queue.SetPhase(t.request.SessionID, phaseSynthesize)
		if aborted := o.checkInterventions(t, phaseSynthesize); aborted != nil {
			return aborted, nil
		}

		response, err := o.runSynthesis(ctx, t, terminationReason, revisionHints)
		if err != nil {
			return nil, err
		}

		o.cfg.Queue.SetPhase(t.request.SessionID, phaseValidate)
		if aborted := o.checkInterventions(t, phaseValidate); aborted != nil {
			return aborted, nil
		}

		validation, err := o.runValidation(ctx, t, response)
		if err != nil {
			return nil, err
		}

		decision := validation.Decision
		switch decision {
		case "APPROVE":
			t.metrics.ValidationOutcome = "APPROVE"
			return &TurnResult{Response: response, Status: StatusOK, PhaseReached: phaseValidate}, nil

		case "REVISE":
			if t.reviseCount >= maxRevise {
				decision = "FAIL"
				break
			}
			t.reviseCount++
			t.decide("validation REVISE")
			revisionHints = strings.Join(validation.RevisionHints, "; ")
			continue

		case "RETRY":
			if t.retryCount >= maxRetry {
				decision = "FAIL"
				break
			}
			t.retryCount++
			t.decide("validation RETRY")
			// Re-enter from the planner, preserving section 4; new
			// attempt blocks append, never replace.
			plan, err := o.runPlanner(ctx, t, strings.Join(validation.SuggestedFixes, "; "))
			if err != nil {
				return nil, err
			}
			t.plan = *plan
			if plan.Route == "executor" {
				o.cfg.Queue.SetPhase(t.request.SessionID, phaseExecute)
				reason, aborted, err := o.executorLoop(ctx, t)
				if err != nil {
					return nil, err
				}
				if aborted != nil {
					return aborted, nil
				}
				terminationReason = reason
			}
			revisionHints = ""
			continue
		}

		if decision == "FAIL" {
			t.metrics.ValidationOutcome = "FAIL"
			return nil, fault.Newf(fault.SchemaFailure, RecipeValidateResponse,
				"response validation failed (confidence %.2f)", validation.Confidence)
		}
		return nil, fault.Newf(fault.SchemaFailure, RecipeValidateResponse,
			"validator returned unknown decision %q", validation.Decision)
	}
}

// runSynthesis invokes the synthesis recipe and appends section 6.
func (o *Orchestrator) runSynthesis(ctx context.Context, t *turn, terminationReason, revisionHints string) (string, error) {
	result, err := o.cfg.Runner.Run(ctx, RecipeSynthesize, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"query":              t.request.Message,
			"purpose":            t.analysis.UserPurpose,
			"termination_reason": terminationReason,
			"revision_hints":     revisionHints,
			"adjustments":        t.adjustmentVars(),
		},
		Sections: documentSections(t.doc,
			memory.SectionQuery, memory.SectionGatheredContext,
			memory.SectionPlan, memory.SectionExecution),
	})
	if err != nil {
		return "", err
	}
	t.recordStage(result)
	response := strings.TrimSpace(result.Text)
	if response == "" {
		return "", fault.Newf(fault.LLMError, RecipeSynthesize, "synthesis produced an empty response")
	}

	title := "Synthesis"
	if t.doc.Has(memory.SectionSynthesis) {
		err = t.doc.AppendAttempt(RecipeSynthesize, memory.SectionSynthesis, title, response)
	} else {
		err = t.doc.Append(RecipeSynthesize, memory.SectionSynthesis, title, response)
	}
	if err != nil {
		return "", fault.New(fault.UnknownError, RecipeSynthesize, err)
	}
	return response, nil
}

// runValidation invokes the response validator, appends section 7, and
// records the calibration observation.
func (o *Orchestrator) runValidation(ctx context.Context, t *turn, response string) (*responseValidation, error) {
	result, err := o.cfg.Runner.Run(ctx, RecipeValidateResponse, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"query":    t.request.Message,
			"response": response,
		},
		Sections: documentSections(t.doc,
			memory.SectionGatheredContext, memory.SectionExecution),
	})
	if err != nil {
		return nil, err
	}
	t.recordStage(result)

	var validation responseValidation
	if err := result.Parsed.Decode(&validation); err != nil {
		return nil, fault.New(fault.SchemaFailure, RecipeValidateResponse, err)
	}
	t.validatorConfidence = validation.Confidence

	title := "Validation"
	body := formatValidation(&validation)
	if t.doc.Has(memory.SectionValidation) {
		err = t.doc.AppendAttempt(RecipeValidateResponse, memory.SectionValidation, title, body)
	} else {
		err = t.doc.Append(RecipeValidateResponse, memory.SectionValidation, title, body)
	}
	if err != nil {
		return nil, fault.New(fault.UnknownError, RecipeValidateResponse, err)
	}

	if o.cfg.Calibration != nil {
		if err := o.cfg.Calibration.Record(ctx, confidence.Observation{
			TurnID:    t.turnID,
			Stage:     RecipeValidateResponse,
			Predicted: validation.Confidence,
			Observed:  validation.Decision == "APPROVE",
		}); err != nil {
			o.logger.Warn("Failed to record calibration observation", zap.Error(err))
		}
	}
	return &validation, nil
}

// documentSections selects document sections as budget-managed prompt
// sections.
func documentSections(doc *memory.TurnDocument, numbers ...int) []stage.PromptSection {
	var out []stage.PromptSection
	for _, n := range numbers {
		for _, block := range doc.Section(n) {
			conf := 1.0
			droppable := false
			if n != memory.SectionQuery {
				conf = 0.6
				droppable = true
			}
			out = append(out, stage.PromptSection{
				Section:    n,
				Title:      block.Title,
				Body:       block.Body,
				Confidence: conf,
				WrittenAt:  block.WrittenAt,
				Droppable:  droppable,
			})
		}
	}
	return out
}

func formatQuerySection(t *turn) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Raw: %s\n", t.request.Message)
	fmt.Fprintf(&sb, "Mode: %s\n", t.mode)
	fmt.Fprintf(&sb, "Arrived: %s\n", t.startedAt.UTC().Format(time.RFC3339))
	if t.analysis.UserPurpose != "" {
		fmt.Fprintf(&sb, "Purpose: %s\n", t.analysis.UserPurpose)
	}
	for req, needed := range t.analysis.DataRequirements {
		fmt.Fprintf(&sb, "Requires %s: %v\n", req, needed)
	}
	if len(t.analysis.ReferencedTurns) > 0 {
		fmt.Fprintf(&sb, "Referenced turns: %v\n", t.analysis.ReferencedTurns)
	}
	return sb.String()
}

func formatVerdict(v *helperVerdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\n", v.Decision)
	for _, issue := range v.Issues {
		fmt.Fprintf(&sb, "- issue: %s\n", issue)
	}
	for _, g := range v.RetryGuidance {
		fmt.Fprintf(&sb, "- guidance: %s\n", g)
	}
	return sb.String()
}

func formatPlan(p *strategicPlan) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Route: %s\n", p.Route)
	if p.Approach != "" {
		fmt.Fprintf(&sb, "Approach: %s\n", p.Approach)
	}
	for _, g := range p.Goals {
		fmt.Fprintf(&sb, "- goal %s (priority %d): %s\n", g.ID, g.Priority, g.Description)
	}
	for _, c := range p.SuccessCriteria {
		fmt.Fprintf(&sb, "- success: %s\n", c)
	}
	if len(p.MissingItems) > 0 {
		fmt.Fprintf(&sb, "Missing: %s\n", strings.Join(p.MissingItems, ", "))
	}
	if p.Reasoning != "" {
		fmt.Fprintf(&sb, "Reasoning: %s\n", p.Reasoning)
	}
	return sb.String()
}

func formatValidation(v *responseValidation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision: %s\nConfidence: %.2f\n", v.Decision, v.Confidence)
	for check, ok := range v.Checks {
		fmt.Fprintf(&sb, "- %s: %v\n", check, ok)
	}
	for _, h := range v.RevisionHints {
		fmt.Fprintf(&sb, "- hint: %s\n", h)
	}
	for _, f := range v.SuggestedFixes {
		fmt.Fprintf(&sb, "- fix: %s\n", f)
	}
	return sb.String()
}

// formatContextSections groups retrieval results per source type, each
// section carrying its _meta block for provenance.
func formatContextSections(results *retriever.SearchResults) string {
	if len(results.Results) == 0 {
		return ""
	}

	grouped := make(map[string][]retriever.SearchResult)
	var order []string
	for _, r := range results.Results {
		if _, seen := grouped[r.SourceType]; !seen {
			order = append(order, r.SourceType)
		}
		grouped[r.SourceType] = append(grouped[r.SourceType], r)
	}

	var sb strings.Builder
	for _, sourceType := range order {
		group := grouped[sourceType]
		meta := memory.SectionMeta{SourceType: sourceType}
		var confSum float64
		for _, r := range group {
			if r.NodeID != "" {
				meta.NodeIDs = append(meta.NodeIDs, r.NodeID)
			}
			meta.Provenance = append(meta.Provenance, r.DocumentPath)
			confSum += r.Confidence
		}
		if len(group) > 0 {
			meta.ConfidenceAvg = confSum / float64(len(group))
		}

		fmt.Fprintf(&sb, "### %s\n\n", sourceType)
		sb.WriteString(memory.FormatMeta(meta))
		sb.WriteString("\n\n")
		for _, r := range group {
			fmt.Fprintf(&sb, "[%s] %s\n\n", r.DocumentPath, r.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
