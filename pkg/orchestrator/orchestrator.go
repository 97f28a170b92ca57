// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/confidence"
	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/intervention"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/memory/retriever"
	"github.com/teradata-labs/pandora/pkg/observability"
	"github.com/teradata-labs/pandora/pkg/stage"
	"github.com/teradata-labs/pandora/pkg/tools"
	"github.com/teradata-labs/pandora/pkg/workflow"
)

// SignalSink receives a notification for every saved turn. The batch
// reflector implements it; a nil sink disables signaling.
type SignalSink interface {
	TurnSaved(userID string, signals TurnSignals)
}

// TurnSignals is what the signal accumulator needs from one turn.
type TurnSignals struct {
	TurnNumber        int
	Topic             string
	Keywords          []string
	UserCorrection    bool
	ResearchQuality   float64
	RefreshedContext  bool
	ContradictionFlag bool
}

// Config wires an Orchestrator.
type Config struct {
	Runner      *stage.Runner
	Retriever   *retriever.Retriever
	Matcher     *workflow.Matcher
	Workflows   *workflow.Registry
	ToolClient  *tools.Client
	Gate        *tools.Gate
	Broker      *tools.Broker
	Queue       *intervention.Queue
	Store       *memory.Store
	Corpus      *memory.Corpus
	TurnIndex   *memory.TurnIndex
	Research    *memory.ResearchIndex
	Calibration *confidence.CalibrationStore
	Signals     SignalSink
	Tracer      observability.Tracer
	Logger      *zap.Logger

	// SystemPrompt is the shared system message for every stage.
	SystemPrompt string
}

// Orchestrator is the turn state machine plus the save pipeline.
type Orchestrator struct {
	cfg    Config
	tracer observability.Tracer
	logger *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Runner == nil:
		return nil, fmt.Errorf("stage runner is required")
	case cfg.Retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("intervention queue is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, tracer: cfg.Tracer, logger: cfg.Logger}, nil
}

// ProcessTurn runs one turn end to end. At most one turn per session is
// active; a second arrival during an active turn becomes an
// intervention instead.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) *TurnResult {
	mode, err := tools.ParseMode(req.Mode)
	if err != nil {
		return &TurnResult{Status: StatusFailed, ErrorType: string(fault.KindOf(err)),
			Response: "I encountered an error processing your request."}
	}
	userID := req.UserID
	if userID == "" {
		userID = req.SessionID
	}

	turnNumber, err := o.cfg.Store.NextTurnNumber(userID)
	if err != nil {
		return o.failResult(req.SessionID, "", err)
	}
	turnID := memory.TurnDirName(turnNumber)

	if !o.cfg.Queue.BeginTurn(req.SessionID, turnID) {
		return o.routeToIntervention(req)
	}
	defer o.cfg.Queue.EndTurn(req.SessionID)

	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.process_turn",
		observability.WithAttribute("session_id", req.SessionID),
		observability.WithAttribute("turn_id", turnID))
	defer o.tracer.EndSpan(span)

	t := &turn{
		request:    req,
		userID:     userID,
		mode:       mode,
		turnNumber: turnNumber,
		turnID:     turnID,
		startedAt:  time.Now(),
		doc:        memory.NewTurnDocument(turnID),
		executor: tools.NewExecutor(o.cfg.ToolClient, o.cfg.Gate, o.cfg.Broker,
			mode, req.SessionID, o.tracer, o.cfg.Logger),
	}
	// The workflow engine shares the turn's executor so workflow steps
	// go through the same mode and approval gating as direct tool calls.
	if o.cfg.Workflows != nil {
		t.engine = workflow.NewEngine(o.cfg.Workflows, t.executor, o.cfg.Logger)
	}

	result := o.runPipeline(ctx, t)
	if result.Status == StatusFailed {
		o.cfg.Queue.RecordError(req.SessionID, result.ErrorType, result.Response)
		span.RecordError(fmt.Errorf("%s", result.ErrorType))
	}

	// Cancelled and failed turns still persist what they produced; a
	// save failure on an otherwise-good turn fails the turn.
	if err := o.save(ctx, t, result); err != nil {
		o.logger.Error("Save pipeline failed", zap.Error(err), zap.String("turn_id", turnID))
		if result.Status == StatusOK {
			return o.failResult(req.SessionID, result.PhaseReached, err)
		}
	}

	o.tracer.RecordMetric("orchestrator.turn_duration_ms",
		float64(time.Since(t.startedAt).Milliseconds()),
		map[string]string{"status": string(result.Status)})
	return result
}

// routeToIntervention delivers a mid-turn message to the queue.
func (o *Orchestrator) routeToIntervention(req TurnRequest) *TurnResult {
	kind := o.cfg.Queue.Inject(req.SessionID, req.Message)
	o.logger.Info("Routed message to intervention queue",
		zap.String("session_id", req.SessionID),
		zap.String("kind", string(kind)))

	var response string
	switch kind {
	case intervention.KindCancel:
		response = "Cancelling the current task."
	default:
		response = "Noted. I'll factor that into the task in progress."
	}
	return &TurnResult{Response: response, Status: StatusOK}
}

// runPipeline executes the stage sequence and returns the terminal
// result. All fault kinds surface here; nothing below retries outside
// the explicit REVISE/RETRY machinery.
func (o *Orchestrator) runPipeline(ctx context.Context, t *turn) *TurnResult {
	phases := []struct {
		phase string
		run   func(context.Context, *turn) (*TurnResult, error)
	}{
		{phaseAnalyze, o.stageAnalyze},
		{phaseRetrieve, o.stageGatherContext},
		{phasePlan, o.stagePlanAndExecute},
	}

	for _, p := range phases {
		o.cfg.Queue.SetPhase(t.request.SessionID, p.phase)
		if aborted := o.checkInterventions(t, p.phase); aborted != nil {
			return aborted
		}
		done, err := p.run(ctx, t)
		if err != nil {
			return o.faultResult(t, p.phase, err)
		}
		if done != nil {
			done.PhaseReached = p.phase
			return done
		}
	}

	// stagePlanAndExecute always returns a terminal result; reaching
	// here means a phase table bug.
	return o.faultResult(t, phaseValidate,
		fault.Newf(fault.UnknownError, phaseValidate, "pipeline ended without a result"))
}

// faultResult maps a stage error to the terminal failed result.
func (o *Orchestrator) faultResult(t *turn, phase string, err error) *TurnResult {
	kind := fault.KindOf(err)
	o.logger.Error("Turn failed",
		zap.String("turn_id", t.turnID),
		zap.String("phase", phase),
		zap.String("kind", string(kind)),
		zap.Error(err))
	t.metrics.ValidationOutcome = "failed"
	return &TurnResult{
		Response:     fmt.Sprintf("I encountered an error (%s). Please try again.", kind),
		Status:       StatusFailed,
		ErrorType:    string(kind),
		PhaseReached: phase,
	}
}

func (o *Orchestrator) failResult(sessionID, phase string, err error) *TurnResult {
	kind := fault.KindOf(err)
	o.logger.Error("Turn failed before pipeline", zap.String("session_id", sessionID), zap.Error(err))
	return &TurnResult{
		Response:     fmt.Sprintf("I encountered an error (%s). Please try again.", kind),
		Status:       StatusFailed,
		ErrorType:    string(kind),
		PhaseReached: phase,
	}
}

// checkInterventions polls the queue at a stage boundary. A cancel
// produces the abort result per the cancellation policy; guidance is
// parsed into adjustments for the next stage.
func (o *Orchestrator) checkInterventions(t *turn, phase string) *TurnResult {
	cancelled, msgs := o.cfg.Queue.Poll(t.request.SessionID)
	for _, msg := range msgs {
		if msg.ErrorType != "" {
			continue
		}
		t.adjustments = append(t.adjustments, intervention.ParseGuidance(msg.Text))
		t.appliedGuidance = true
	}
	if !cancelled {
		return nil
	}

	o.logger.Info("Turn cancelled by intervention",
		zap.String("turn_id", t.turnID), zap.String("phase", phase))
	t.decide("cancelled at " + phase)

	// With a synthesis section, deliver the draft. With execution
	// progress only, format that. Earlier cancellations carry nothing.
	if t.doc.Has(memory.SectionSynthesis) {
		return &TurnResult{
			Response:     t.doc.SectionText(memory.SectionSynthesis),
			Status:       StatusCancelledPartial,
			PhaseReached: phase,
		}
	}
	if t.doc.Has(memory.SectionExecution) {
		return &TurnResult{
			Response:       "Cancelled. Here is what I had so far:\n\n" + t.doc.SectionText(memory.SectionExecution),
			Status:         StatusCancelledPartial,
			PhaseReached:   phase,
			PartialResults: t.doc.SectionText(memory.SectionExecution),
		}
	}
	return &TurnResult{Status: StatusCancelled, PhaseReached: phase}
}

// adjustmentVars folds pending guidance into stage prompt variables and
// clears it.
func (t *turn) adjustmentVars() string {
	if len(t.adjustments) == 0 {
		return ""
	}
	var out string
	for _, adj := range t.adjustments {
		out += fmt.Sprintf("- %s: %s\n", adj.Kind, adj.Value)
	}
	t.adjustments = nil
	return out
}
