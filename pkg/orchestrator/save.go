// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/observability"
	"github.com/teradata-labs/pandora/pkg/stage"
)

// researchCacheTTL bounds how long a research record is considered
// fresh in the research index.
const researchCacheTTL = 7 * 24 * time.Hour

// save runs the save pipeline for one turn: the summary appendix, the
// turn directory, the indexes, and the reflector signal. Every write
// failure halts the save; nothing downstream of a failed write runs.
func (o *Orchestrator) save(ctx context.Context, t *turn, result *TurnResult) error {
	o.cfg.Queue.SetPhase(t.request.SessionID, phaseSave)
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.save",
		observability.WithAttribute("turn_id", t.turnID))
	defer o.tracer.EndSpan(span)

	// The appendix is best effort: a summary failure degrades to a
	// mechanical summary rather than blocking persistence.
	o.appendSummary(ctx, t, result)

	quality := qualityScore(t, result)
	saved := memory.SavedTurn{
		TurnNumber: t.turnNumber,
		SessionID:  t.request.SessionID,
		Document:   t.doc,
		Response:   result.Response,
		Metadata: memory.TurnMetadata{
			TurnNumber:    t.turnNumber,
			SessionID:     t.request.SessionID,
			Timestamp:     t.startedAt,
			Topic:         t.analysis.Topic,
			WorkflowsUsed: t.workflowsUsed,
			ClaimsCount:   len(t.claims),
			QualityScore:  quality,
			ContentType:   t.analysis.ContentType,
			Keywords:      t.analysis.Keywords,
		},
		Metrics: t.metrics,
	}
	if t.plan.Route != "" {
		planState, err := json.Marshal(t.plan)
		if err != nil {
			return fault.New(fault.UnknownError, phaseSave, err)
		}
		saved.PlanState = planState
	}
	if len(t.toolResults) > 0 {
		saved.ToolResults = strings.Join(t.toolResults, "\n\n---\n\n")
	}

	turnDir, err := o.cfg.Store.SaveTurn(t.userID, saved)
	if err != nil {
		return fault.New(fault.UnknownError, phaseSave, err)
	}

	if o.cfg.TurnIndex != nil {
		record := memory.TurnRecord{
			SessionID:    t.request.SessionID,
			UserID:       t.userID,
			Timestamp:    t.startedAt,
			QualityScore: quality,
			TurnDir:      turnDir,
			TurnNumber:   t.turnNumber,
		}
		if err := o.cfg.TurnIndex.Append(ctx, record); err != nil {
			return fault.New(fault.UnknownError, phaseSave, err)
		}
	}

	if t.researchRan && o.cfg.Research != nil {
		record := memory.ResearchRecord{
			PrimaryTopic: t.analysis.Topic,
			QualityScore: quality,
			CreatedAt:    t.startedAt,
			ExpiresAt:    t.startedAt.Add(researchCacheTTL),
			ContentType:  t.analysis.ContentType,
			TurnDir:      turnDir,
		}
		if err := o.cfg.Research.Append(ctx, record); err != nil {
			return fault.New(fault.UnknownError, phaseSave, err)
		}
	}

	if o.cfg.Signals != nil {
		o.cfg.Signals.TurnSaved(t.userID, TurnSignals{
			TurnNumber:       t.turnNumber,
			Topic:            t.analysis.Topic,
			Keywords:         t.analysis.Keywords,
			UserCorrection:   hasCorrection(t),
			ResearchQuality:  quality,
			RefreshedContext: t.refreshCount > 0,
		})
	}

	o.logger.Info("Turn saved",
		zap.String("user_id", t.userID),
		zap.String("turn_dir", turnDir),
		zap.Float64("quality", quality))
	return nil
}

// appendSummary writes the section 8 turn-summary appendix. The summary
// stage is REFLEX-backed; when it fails the appendix degrades to a
// mechanical digest so retrieval of this turn keeps working.
func (o *Orchestrator) appendSummary(ctx context.Context, t *turn, result *TurnResult) {
	summary := ""
	if o.cfg.Runner != nil {
		res, err := o.cfg.Runner.Run(ctx, RecipeTurnSummary, stage.Request{
			System: o.cfg.SystemPrompt,
			Vars: map[string]string{
				"query":    t.request.Message,
				"response": result.Response,
				"topic":    t.analysis.Topic,
				"status":   string(result.Status),
			},
		})
		if err == nil {
			t.recordStage(res)
			summary = strings.TrimSpace(res.Text)
		} else {
			o.logger.Warn("Turn summary stage failed, writing mechanical digest", zap.Error(err))
		}
	}
	if summary == "" {
		summary = mechanicalSummary(t, result)
	}
	if err := t.doc.Append(RecipeTurnSummary, memory.SectionSummaryAppendix, "Turn Summary", summary); err != nil {
		o.logger.Error("Failed to append turn summary", zap.Error(err))
	}
}

func mechanicalSummary(t *turn, result *TurnResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", result.Status)
	if t.analysis.Topic != "" {
		fmt.Fprintf(&sb, "Topic: %s\n", t.analysis.Topic)
	}
	if len(t.analysis.Keywords) > 0 {
		fmt.Fprintf(&sb, "Keywords: %s\n", strings.Join(t.analysis.Keywords, ", "))
	}
	if len(t.workflowsUsed) > 0 {
		fmt.Fprintf(&sb, "Workflows: %s\n", strings.Join(t.workflowsUsed, ", "))
	}
	fmt.Fprintf(&sb, "Query: %s\n", t.request.Message)
	return sb.String()
}

// qualityScore derives the saved quality from the validator's
// confidence when validation ran, otherwise from the terminal status.
func qualityScore(t *turn, result *TurnResult) float64 {
	if t.metrics.ValidationOutcome == "APPROVE" {
		if t.validatorConfidence > 0 {
			return t.validatorConfidence
		}
		return 0.8
	}
	switch result.Status {
	case StatusOK:
		return 0.7
	case StatusCancelledPartial:
		return 0.4
	default:
		return 0.0
	}
}

// hasCorrection reports whether the user redirected or corrected the
// turn mid-flight.
func hasCorrection(t *turn) bool {
	for _, d := range t.decisions {
		if strings.HasPrefix(d, "cancelled at ") {
			return true
		}
	}
	return t.appliedGuidance
}
