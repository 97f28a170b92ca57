// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"strings"

	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/memory/retriever"
	"github.com/teradata-labs/pandora/pkg/stage"
)

// StageTermPlanner backs the retriever's term planning with the
// search_terms recipe. Failures degrade inside the retriever; this
// adapter only translates.
type StageTermPlanner struct {
	runner *stage.Runner
	system string
}

// NewStageTermPlanner creates the adapter.
func NewStageTermPlanner(runner *stage.Runner, system string) *StageTermPlanner {
	return &StageTermPlanner{runner: runner, system: system}
}

// PlanSearch implements retriever.TermPlanner.
func (p *StageTermPlanner) PlanSearch(ctx context.Context, query, purpose, reasoning string) (*retriever.TermPlan, error) {
	result, err := p.runner.Run(ctx, RecipeSearchTerms, stage.Request{
		System: p.system,
		Vars: map[string]string{
			"query":     query,
			"purpose":   purpose,
			"reasoning": reasoning,
		},
	})
	if err != nil {
		return nil, err
	}
	var plan retriever.TermPlan
	if err := result.Parsed.Decode(&plan); err != nil {
		return nil, fault.New(fault.SchemaFailure, RecipeSearchTerms, err)
	}
	return &plan, nil
}

// StageClassifier backs the workflow matcher's semantic tier with the
// classify_workflow recipe.
type StageClassifier struct {
	runner *stage.Runner
	system string
}

// NewStageClassifier creates the adapter.
func NewStageClassifier(runner *stage.Runner, system string) *StageClassifier {
	return &StageClassifier{runner: runner, system: system}
}

type workflowClassification struct {
	Workflow   string  `json:"workflow"`
	Confidence float64 `json:"confidence"`
}

// Classify implements workflow.Classifier.
func (c *StageClassifier) Classify(ctx context.Context, query string, candidates []string) (string, float64, error) {
	result, err := c.runner.Run(ctx, RecipeClassifyWorkflow, stage.Request{
		System: c.system,
		Vars: map[string]string{
			"query":      query,
			"candidates": strings.Join(candidates, ", "),
		},
	})
	if err != nil {
		return "", 0, err
	}
	var out workflowClassification
	if err := result.Parsed.Decode(&out); err != nil {
		return "", 0, fault.New(fault.SchemaFailure, RecipeClassifyWorkflow, err)
	}
	return out.Workflow, out.Confidence, nil
}
