// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/llm"
	"github.com/teradata-labs/pandora/pkg/observability"
)

// Request carries the variable inputs of one stage invocation.
type Request struct {
	// System is the system message, usually shared across stages.
	System string

	// Vars substitute {{name}} placeholders in the recipe prompt.
	Vars map[string]string

	// Sections are document sections appended after the recipe prompt,
	// subject to the recipe's input budget.
	Sections []PromptSection
}

// Result is the outcome of a stage invocation.
type Result struct {
	Recipe    string
	Role      llm.Role
	Text      string
	Parsed    *Parsed // nil for free-form recipes
	Strategy  Strategy
	TokensIn  int
	TokensOut int
	Duration  time.Duration
}

// Runner invokes named stages: it resolves the recipe, composes and
// budget-fits the prompt, calls the provider, and parses the output.
type Runner struct {
	recipes    *Registry
	schemas    *SchemaRegistry
	provider   llm.Provider
	roles      llm.RoleMap
	compressor *Compressor
	tracer     observability.Tracer
	logger     *zap.Logger
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Recipes    *Registry
	Schemas    *SchemaRegistry
	Provider   llm.Provider
	Roles      llm.RoleMap
	Compressor *Compressor
	Tracer     observability.Tracer
	Logger     *zap.Logger
}

// NewRunner creates a stage runner.
func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Recipes == nil {
		return nil, fmt.Errorf("recipe registry is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("LLM provider is required")
	}
	if config.Roles == nil {
		config.Roles = llm.DefaultRoleMap()
	}
	if config.Tracer == nil {
		config.Tracer = observability.NewNoOpTracer()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Compressor == nil {
		compressor, err := NewCompressor(config.Provider, config.Roles, config.Logger)
		if err != nil {
			return nil, err
		}
		config.Compressor = compressor
	}
	return &Runner{
		recipes:    config.Recipes,
		schemas:    config.Schemas,
		provider:   config.Provider,
		roles:      config.Roles,
		compressor: config.Compressor,
		tracer:     config.Tracer,
		logger:     config.Logger,
	}, nil
}

// Run executes the named recipe. LLM transport failures surface as
// llm_error; output that defeats every parser pass surfaces as
// schema_failure. Neither is retried here; retry policy belongs to the
// orchestrator.
func (r *Runner) Run(ctx context.Context, recipeName string, req Request) (*Result, error) {
	recipe, err := r.recipes.Get(recipeName)
	if err != nil {
		return nil, fault.New(fault.ConfigError, recipeName, err)
	}
	params, err := r.roles.Resolve(llm.Role(recipe.Role))
	if err != nil {
		return nil, fault.New(fault.ConfigError, recipeName, err)
	}
	temperature := params.Temperature
	if recipe.Temperature > 0 {
		temperature = recipe.Temperature
	}

	ctx, span := r.tracer.StartSpan(ctx, "stage."+recipeName,
		observability.WithAttribute("role", recipe.Role))
	defer r.tracer.EndSpan(span)

	prompt := recipe.Prompt(req.Vars)
	overhead := r.compressor.CountTokens(req.System) + r.compressor.CountTokens(prompt)
	sections := r.compressor.Fit(ctx, overhead, req.Sections, recipe.MaxTokensIn)

	start := time.Now()
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: composeUser(prompt, sections)},
		},
		Temperature: temperature,
		MaxTokens:   recipe.MaxTokensOut,
		Model:       params.Model,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fault.New(fault.LLMError, recipeName, err)
	}

	result := &Result{
		Recipe:    recipeName,
		Role:      llm.Role(recipe.Role),
		Text:      resp.Content,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Duration:  time.Since(start),
	}

	if recipe.SchemaName != "" {
		if r.schemas == nil {
			return nil, fault.Newf(fault.ConfigError, recipeName, "recipe requires schema %q but no schema registry is configured", recipe.SchemaName)
		}
		schema, err := r.schemas.Get(recipe.SchemaName)
		if err != nil {
			return nil, fault.New(fault.ConfigError, recipeName, err)
		}
		parsed, err := Parse(resp.Content, schema)
		if err != nil {
			span.RecordError(err)
			return nil, fault.New(fault.SchemaFailure, recipeName, err)
		}
		result.Parsed = parsed
		result.Strategy = parsed.Strategy
		if parsed.Strategy != StrategyStrict {
			r.logger.Warn("Stage output needed a degraded parse",
				zap.String("recipe", recipeName),
				zap.String("strategy", string(parsed.Strategy)))
		}
	}

	r.tracer.RecordMetric("stage.duration_ms", float64(result.Duration.Milliseconds()),
		map[string]string{"recipe": recipeName, "role": recipe.Role})
	return result, nil
}

func composeUser(prompt string, sections []PromptSection) string {
	if len(sections) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	for _, s := range sections {
		b.WriteString("\n\n## ")
		b.WriteString(fmt.Sprintf("%d. %s", s.Section, s.Title))
		b.WriteString("\n\n")
		b.WriteString(s.Body)
	}
	return b.String()
}
