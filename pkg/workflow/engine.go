// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
)

// ToolInvoker executes one named tool with JSON args. Implemented by
// the tool executor; the engine never talks HTTP itself.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error)
}

// StepResult records one executed step.
type StepResult struct {
	Step   string          `json:"step"`
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// RunResult is the outcome of a workflow run.
type RunResult struct {
	Workflow string            `json:"workflow"`
	Status   string            `json:"status"` // completed | failed
	Steps    []StepResult      `json:"steps"`
	Bag      map[string]string `json:"variables"`
	Message  string            `json:"message,omitempty"`

	// FellBackFrom is set when this result came from a fallback
	// workflow reinvocation.
	FellBackFrom string `json:"fell_back_from,omitempty"`
}

// Engine executes workflows step by step against a tool invoker.
type Engine struct {
	registry *Registry
	invoker  ToolInvoker
	logger   *zap.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(registry *Registry, invoker ToolInvoker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: registry, invoker: invoker, logger: logger}
}

// Lookup resolves a workflow definition by name.
func (e *Engine) Lookup(name string) (*Workflow, error) {
	return e.registry.Get(name)
}

// Run executes a workflow with the given inputs. Steps run in order;
// each step's output is bound into the variable bag under its output
// name. After the last step the success criteria are evaluated as a
// conjunction; on failure a configured fallback workflow is reinvoked
// once.
func (e *Engine) Run(ctx context.Context, name string, inputs map[string]string) (*RunResult, error) {
	return e.run(ctx, name, inputs, "")
}

func (e *Engine) run(ctx context.Context, name string, inputs map[string]string, fellBackFrom string) (*RunResult, error) {
	wf, err := e.registry.Get(name)
	if err != nil {
		return nil, fault.New(fault.ConfigError, "workflow", err)
	}
	if missing := wf.MissingInputs(inputs); len(missing) > 0 {
		return nil, fault.Newf(fault.ConfigError, "workflow",
			"workflow %s missing required inputs: %s", name, strings.Join(missing, ", "))
	}

	bag := make(map[string]string, len(inputs))
	for k, v := range inputs {
		bag[k] = v
	}

	result := &RunResult{Workflow: name, Bag: bag, FellBackFrom: fellBackFrom}
	for _, step := range wf.Steps {
		args := make(map[string]any, len(step.Args))
		for k, v := range step.Args {
			args[k] = Interpolate(v, bag)
		}

		e.logger.Debug("Executing workflow step",
			zap.String("workflow", name),
			zap.String("step", step.Name),
			zap.String("tool", step.Tool))

		output, err := e.invoker.Invoke(ctx, step.Tool, args)
		if err != nil {
			result.Steps = append(result.Steps, StepResult{Step: step.Name, Tool: step.Tool, Error: err.Error()})
			return e.fail(ctx, wf, result, fmt.Sprintf("step %s failed: %v", step.Name, err))
		}
		result.Steps = append(result.Steps, StepResult{Step: step.Name, Tool: step.Tool, Output: output})
		if step.Output != "" {
			bag[step.Output] = flatten(output)
		}
	}

	for _, criterion := range wf.SuccessCriteria {
		if !evalCriterion(criterion, bag) {
			return e.fail(ctx, wf, result, fmt.Sprintf("success criterion not met: %s", criterion))
		}
	}
	result.Status = "completed"
	return result, nil
}

// fail applies the fallback policy: reinvoke a different workflow once,
// otherwise report failed with the configured message.
func (e *Engine) fail(ctx context.Context, wf *Workflow, result *RunResult, reason string) (*RunResult, error) {
	e.logger.Warn("Workflow failed",
		zap.String("workflow", wf.Name),
		zap.String("reason", reason))

	// A fallback chain stops after one hop: a fallback run that fails
	// reports failed rather than chaining further.
	if wf.Fallback.Workflow != "" && wf.Fallback.Workflow != wf.Name && result.FellBackFrom == "" {
		return e.run(ctx, wf.Fallback.Workflow, result.Bag, wf.Name)
	}

	result.Status = "failed"
	result.Message = wf.Fallback.Message
	if result.Message == "" {
		result.Message = reason
	}
	return result, nil
}

// flatten turns a step's JSON output into a string for the variable
// bag: bare JSON strings are unquoted, everything else stays raw JSON.
func flatten(output json.RawMessage) string {
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}

// evalCriterion evaluates one interpolated success criterion. Supported
// forms: `X != ''`, `X == 'y'`, `X contains 'y'`, and a bare value
// (truthy when non-empty and not "false").
func evalCriterion(criterion string, bag map[string]string) bool {
	expr := strings.TrimSpace(Interpolate(criterion, bag))

	if left, right, ok := splitOp(expr, "!="); ok {
		return left != right
	}
	if left, right, ok := splitOp(expr, "=="); ok {
		return left == right
	}
	if left, right, ok := splitOp(expr, " contains "); ok {
		return strings.Contains(left, right)
	}
	return expr != "" && expr != "false"
}

func splitOp(expr, op string) (string, string, bool) {
	i := strings.Index(expr, op)
	if i < 0 {
		return "", "", false
	}
	left := strings.TrimSpace(expr[:i])
	right := strings.TrimSpace(expr[i+len(op):])
	return unquote(left), unquote(right), true
}

func unquote(s string) string {
	return strings.Trim(s, `'"`)
}
