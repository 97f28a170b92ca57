// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/observability"
)

// Result is one executed tool call: the verbatim tool response plus the
// extracted claims table.
type Result struct {
	Tool   string          `json:"tool"`
	Raw    json.RawMessage `json:"raw"`
	Claims []Claim         `json:"claims,omitempty"`
}

// Executor runs single tool calls for one session and mode, chaining
// the permission layers: mode gate, repository scope, approval.
type Executor struct {
	client    *Client
	gate      *Gate
	broker    *Broker
	mode      Mode
	sessionID string
	tracer    observability.Tracer
	logger    *zap.Logger
}

// NewExecutor binds an executor to a session and mode. One executor
// serves one turn; the orchestrator builds it at turn start.
func NewExecutor(client *Client, gate *Gate, broker *Broker, mode Mode, sessionID string,
	tracer observability.Tracer, logger *zap.Logger) *Executor {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client:    client,
		gate:      gate,
		broker:    broker,
		mode:      mode,
		sessionID: sessionID,
		tracer:    tracer,
		logger:    logger,
	}
}

// targetPathKeys are the argument names tools use for the path they
// operate on, checked in order.
var targetPathKeys = []string{"path", "file_path", "target", "directory", "cwd"}

func targetPath(args map[string]any) string {
	for _, key := range targetPathKeys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Execute runs one gated tool call.
func (e *Executor) Execute(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	ctx, span := e.tracer.StartSpan(ctx, "tools.execute",
		observability.WithAttribute("tool", tool),
		observability.WithAttribute("mode", string(e.mode)))
	defer e.tracer.EndSpan(span)

	target := targetPath(args)
	decision := e.gate.Check(ctx, e.mode, tool, target)
	if decision == DecisionNeedsApproval {
		decision = e.broker.Request(ctx, ApprovalRequest{
			SessionID:  e.sessionID,
			Tool:       tool,
			TargetPath: target,
			Mode:       string(e.mode),
		})
	}
	if decision != DecisionAllow {
		err := fault.Newf(fault.PermissionError, "executor",
			"tool %s denied in mode %s", tool, e.mode)
		span.RecordError(err)
		return nil, err
	}

	raw, err := e.client.Call(ctx, tool, args, e.mode)
	if err != nil {
		span.RecordError(err)
		return nil, fault.New(fault.ToolError, "executor", err)
	}

	result := &Result{Tool: tool, Raw: raw, Claims: ExtractClaims(raw, tool)}
	e.tracer.RecordMetric("tools.claims", float64(len(result.Claims)),
		map[string]string{"tool": tool})
	return result, nil
}

// Invoke adapts Execute to the workflow engine's invoker contract.
func (e *Executor) Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	result, err := e.Execute(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	return result.Raw, nil
}

// Mode returns the executor's bound mode.
func (e *Executor) Mode() Mode { return e.mode }
