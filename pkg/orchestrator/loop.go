// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/stage"
	"github.com/teradata-labs/pandora/pkg/tools"
	"github.com/teradata-labs/pandora/pkg/workflow"
)

// executorLoop runs the Executor/Coordinator cycle: the executor
// decides the next action from the accumulated execution record, the
// coordinator translates commands onto tools and workflows, and every
// outcome lands in section 4 as an append-only block.
//
// Returns a termination reason for abnormal exits (loop budget,
// consecutive errors, BLOCKED), an abort result when an intervention
// cancelled the turn, or an error for unrecoverable faults.
func (o *Orchestrator) executorLoop(ctx context.Context, t *turn) (string, *TurnResult, error) {
	consecutiveErrors := 0

	for iteration := 1; iteration <= maxExecutorIterations; iteration++ {
		if aborted := o.checkInterventions(t, phaseExecute); aborted != nil {
			return "", aborted, nil
		}

		decision, err := o.runExecutorStage(ctx, t, iteration)
		if err != nil {
			return "", nil, err
		}

		switch decision.Action {
		case "COMPLETE":
			t.decide(fmt.Sprintf("executor complete after %d iterations", iteration))
			return "", nil, nil

		case "BLOCKED":
			reason := decision.Reason
			if reason == "" {
				reason = "executor reported blocked without a reason"
			}
			o.appendExecution(t, fmt.Sprintf("BLOCKED: %s", reason))
			t.decide("executor blocked")
			return "blocked: " + reason, nil, nil

		case "ANALYZE":
			if strings.TrimSpace(decision.Analysis) == "" {
				consecutiveErrors++
				o.appendExecution(t, "ANALYZE produced no analysis")
			} else {
				consecutiveErrors = 0
				o.appendExecution(t, "Analysis: "+decision.Analysis)
			}

		case "COMMAND":
			record, failed, aborted, err := o.runCommand(ctx, t, decision.Command)
			if err != nil {
				return "", nil, err
			}
			if aborted != nil {
				return "", aborted, nil
			}
			o.appendExecution(t, record)
			if failed {
				consecutiveErrors++
			} else {
				consecutiveErrors = 0
			}

		default:
			return "", nil, fault.Newf(fault.SchemaFailure, RecipeExecutor,
				"executor returned unknown action %q", decision.Action)
		}

		if consecutiveErrors >= maxConsecutiveErrors {
			o.logger.Warn("Executor loop exiting on consecutive errors",
				zap.String("turn_id", t.turnID), zap.Int("errors", consecutiveErrors))
			t.decide("executor exit on consecutive errors")
			return fmt.Sprintf("%d consecutive tool errors", consecutiveErrors), nil, nil
		}
	}

	// The iteration budget is a termination reason, not a turn failure;
	// synthesis runs on the partial execution record.
	t.decide("executor loop budget exhausted")
	return fmt.Sprintf("loop budget of %d iterations exhausted", maxExecutorIterations), nil, nil
}

// runExecutorStage asks the executor recipe for the next action.
// Pending user guidance is injected with an explicit prefix so the
// model can distinguish it from the original plan.
func (o *Orchestrator) runExecutorStage(ctx context.Context, t *turn, iteration int) (*executorDecision, error) {
	injection := t.adjustmentVars()
	if injection != "" {
		injection = "[USER INJECTION]\n" + injection
	}

	result, err := o.cfg.Runner.Run(ctx, RecipeExecutor, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"query":     t.request.Message,
			"purpose":   t.analysis.UserPurpose,
			"mode":      string(t.mode),
			"iteration": fmt.Sprintf("%d", iteration),
			"injection": injection,
		},
		Sections: documentSections(t.doc,
			memory.SectionPlan, memory.SectionExecution),
	})
	if err != nil {
		return nil, err
	}
	t.recordStage(result)

	var decision executorDecision
	if err := result.Parsed.Decode(&decision); err != nil {
		return nil, fault.New(fault.SchemaFailure, RecipeExecutor, err)
	}
	return &decision, nil
}

// runCommand translates one executor command and executes it. A
// workflow match wins over the coordinator translation; the coordinator
// only runs for commands no workflow covers. The returned record is the
// section 4 block body; failed marks tool and permission failures for
// the consecutive-error counter; aborted carries the cancellation
// result when an intervention stopped the command before execution.
func (o *Orchestrator) runCommand(ctx context.Context, t *turn, command string) (record string, failed bool, aborted *TurnResult, err error) {
	if strings.TrimSpace(command) == "" {
		return "COMMAND was empty", true, nil, nil
	}

	if match := o.matchWorkflow(ctx, t, command); match != nil {
		return o.runWorkflow(ctx, t, command, match)
	}

	translation, err := o.runCoordinator(ctx, t, command)
	if err != nil {
		return "", false, nil, err
	}
	if translation.Workflow != "" {
		return o.runWorkflow(ctx, t, command, &workflow.Match{
			Workflow: &workflow.Workflow{Name: translation.Workflow},
			Inputs:   translation.Args,
		})
	}
	if translation.Tool == "" {
		return fmt.Sprintf("Command %q did not translate to a tool or workflow", command), true, nil, nil
	}

	args := make(map[string]any, len(translation.Args))
	for k, v := range translation.Args {
		args[k] = v
	}

	// A cancel that arrived during the coordinator call must stop the
	// tool, so the queue is polled again between translation and
	// execution.
	if abort := o.checkInterventions(t, phaseExecute); abort != nil {
		return "", false, abort, nil
	}

	result, err := t.executor.Execute(ctx, translation.Tool, args)
	if err != nil {
		kind := fault.KindOf(err)
		switch kind {
		case fault.PermissionError:
			// A denied tool is a recorded outcome, not a turn failure.
			// The executor sees the denial and routes around it.
			return fmt.Sprintf("BLOCKED: tool %s denied (%v)", translation.Tool, err), true, nil, nil
		case fault.ToolError:
			return formatCommandRecord(command, translation.Tool, args, "failed", err.Error(), nil), true, nil, nil
		default:
			return "", false, nil, err
		}
	}

	t.metrics.ToolsUsed = append(t.metrics.ToolsUsed, translation.Tool)
	t.claims = append(t.claims, result.Claims...)
	t.toolResults = append(t.toolResults, string(result.Raw))
	if strings.HasPrefix(translation.Tool, "research.") {
		t.researchRan = true
	}
	return formatCommandRecord(command, translation.Tool, args, "ok", string(result.Raw), result.Claims), false, nil, nil
}

// formatCommandRecord renders one section 4 command block: the command,
// the tool and args it translated to, the outcome, and the extracted
// claim table.
func formatCommandRecord(command, tool string, args map[string]any, status, result string, claims []tools.Claim) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Command: %s\nTool: %s\n", command, tool)
	if len(args) > 0 {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Args:")
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, args[k])
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Status: %s\nResult: %s", status, result)
	if len(claims) > 0 {
		sb.WriteString("\nClaims:")
		for _, c := range claims {
			fmt.Fprintf(&sb, "\n- %s (confidence %.2f, source %s)", c.Text, c.Confidence, c.Source)
		}
	}
	return sb.String()
}

// matchWorkflow checks the command against the workflow registry. A nil
// matcher or no match both fall through to the coordinator.
func (o *Orchestrator) matchWorkflow(ctx context.Context, t *turn, command string) *workflow.Match {
	if o.cfg.Matcher == nil {
		return nil
	}
	return o.cfg.Matcher.MatchQuery(ctx, t.analysis.Intent, command)
}

// runWorkflow executes a matched or coordinator-named workflow and
// records the outcome, including the section 5 coordinator note.
func (o *Orchestrator) runWorkflow(ctx context.Context, t *turn, command string, match *workflow.Match) (string, bool, *TurnResult, error) {
	if t.engine == nil {
		return "No workflow engine configured", true, nil, nil
	}

	name := match.Workflow.Name
	o.appendCoordinator(t, fmt.Sprintf("Command %q matched workflow %s (tier %s, confidence %.2f)",
		command, name, match.Tier, match.Confidence))

	// Workflow steps run tools too; the queue is polled once more before
	// the engine starts them.
	if abort := o.checkInterventions(t, phaseExecute); abort != nil {
		return "", false, abort, nil
	}

	run, err := t.engine.Run(ctx, name, match.Inputs)
	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.ConfigError || kind == fault.PermissionError || kind == fault.ToolError {
			return fmt.Sprintf("Workflow %s failed to run: %v", name, err), true, nil, nil
		}
		return "", false, nil, err
	}

	t.workflowsUsed = append(t.workflowsUsed, run.Workflow)
	if run.FellBackFrom != "" {
		t.decide(fmt.Sprintf("workflow %s fell back to %s", run.FellBackFrom, run.Workflow))
	}
	if wf, regErr := t.engine.Lookup(run.Workflow); regErr == nil && wf.Category == "research" {
		t.researchRan = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Command: %s\nWorkflow: %s (%s)\n", command, run.Workflow, run.Status)
	for _, step := range run.Steps {
		if step.Error != "" {
			fmt.Fprintf(&sb, "- %s [%s]: error %s\n", step.Step, step.Tool, step.Error)
			continue
		}
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", step.Step, step.Tool, step.Output)
	}
	if run.Message != "" {
		fmt.Fprintf(&sb, "Message: %s\n", run.Message)
	}
	return sb.String(), run.Status != "completed", nil, nil
}

// runCoordinator invokes the coordinator recipe for one command.
func (o *Orchestrator) runCoordinator(ctx context.Context, t *turn, command string) (*coordinatorTranslation, error) {
	result, err := o.cfg.Runner.Run(ctx, RecipeCoordinator, stage.Request{
		System: o.cfg.SystemPrompt,
		Vars: map[string]string{
			"command": command,
			"mode":    string(t.mode),
		},
	})
	if err != nil {
		return nil, err
	}
	t.recordStage(result)

	var translation coordinatorTranslation
	if err := result.Parsed.Decode(&translation); err != nil {
		return nil, fault.New(fault.SchemaFailure, RecipeCoordinator, err)
	}
	return &translation, nil
}

func (o *Orchestrator) appendExecution(t *turn, body string) {
	var err error
	if t.doc.Has(memory.SectionExecution) {
		err = t.doc.AppendAttempt(RecipeExecutor, memory.SectionExecution, "Execution", body)
	} else {
		err = t.doc.Append(RecipeExecutor, memory.SectionExecution, "Execution", body)
	}
	if err != nil {
		o.logger.Error("Failed to append execution block", zap.Error(err))
	}
}

func (o *Orchestrator) appendCoordinator(t *turn, body string) {
	var err error
	if t.doc.Has(memory.SectionCoordinator) {
		err = t.doc.AppendAttempt(RecipeCoordinator, memory.SectionCoordinator, "Coordinator", body)
	} else {
		err = t.doc.Append(RecipeCoordinator, memory.SectionCoordinator, "Coordinator", body)
	}
	if err != nil {
		o.logger.Error("Failed to append coordinator block", zap.Error(err))
	}
}
