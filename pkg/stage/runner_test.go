// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/pandora/pkg/fault"
	"github.com/teradata-labs/pandora/pkg/llm"
)

// fakeProvider returns canned content and records the last request.
type fakeProvider struct {
	content string
	err     error
	last    llm.CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.content, TokensIn: 10, TokensOut: 5}, nil
}

func writeTestRecipes(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	recipe := `name: plan
role: MIND
max_tokens_in: 4000
max_tokens_out: 800
schema: plan
prompt: plan.md
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(recipe), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.md"), []byte("Plan the turn for {{user_id}}."), 0o644))
	return dir
}

func writeTestSchemas(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.json"), []byte(planSchema), 0o644))
	return dir
}

func newTestRunner(t *testing.T, provider llm.Provider) *Runner {
	t.Helper()
	recipes, err := NewRegistry(writeTestRecipes(t), nil)
	require.NoError(t, err)
	schemas, err := NewSchemaRegistry(writeTestSchemas(t))
	require.NoError(t, err)
	runner, err := NewRunner(RunnerConfig{
		Recipes:  recipes,
		Schemas:  schemas,
		Provider: provider,
	})
	require.NoError(t, err)
	return runner
}

func TestRunner_Run(t *testing.T) {
	provider := &fakeProvider{content: `{"route": "executor", "confidence": 0.9}`}
	runner := newTestRunner(t, provider)

	result, err := runner.Run(context.Background(), "plan", Request{
		System: "You are the planner.",
		Vars:   map[string]string{"user_id": "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyStrict, result.Strategy)
	assert.Equal(t, "executor", result.Parsed.Data["route"])
	assert.Equal(t, 10, result.TokensIn)

	// Recipe prompt interpolated and role temperature applied.
	assert.Contains(t, provider.last.Messages[1].Content, "Plan the turn for alice.")
	assert.InDelta(t, 0.6, provider.last.Temperature, 1e-9)
	assert.Equal(t, 800, provider.last.MaxTokens)
}

func TestRunner_SchemaFailure(t *testing.T) {
	// Schema defaults rescue unparseable output for this schema, so use
	// output the defaults cannot validate against a schema without them.
	recipes, err := NewRegistry(writeTestRecipes(t), nil)
	require.NoError(t, err)

	schemaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "plan.json"), []byte(`{
		"type": "object",
		"properties": {"route": {"type": "string"}},
		"required": ["route"]
	}`), 0o644))
	schemas, err := NewSchemaRegistry(schemaDir)
	require.NoError(t, err)

	runner, err := NewRunner(RunnerConfig{
		Recipes:  recipes,
		Schemas:  schemas,
		Provider: &fakeProvider{content: "no structure here"},
	})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), "plan", Request{})
	require.Error(t, err)
	assert.Equal(t, fault.SchemaFailure, fault.KindOf(err))
}

func TestRunner_LLMError(t *testing.T) {
	runner := newTestRunner(t, &fakeProvider{err: fmt.Errorf("connection refused")})

	_, err := runner.Run(context.Background(), "plan", Request{})
	require.Error(t, err)
	assert.Equal(t, fault.LLMError, fault.KindOf(err))
	assert.Equal(t, "plan", fault.StageOf(err))
}

func TestRunner_UnknownRecipe(t *testing.T) {
	runner := newTestRunner(t, &fakeProvider{content: "{}"})

	_, err := runner.Run(context.Background(), "nope", Request{})
	require.Error(t, err)
	assert.Equal(t, fault.ConfigError, fault.KindOf(err))
}

func TestRegistry_RejectsInvalidRecipe(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`name: bad
role: BONES
max_tokens_in: 100
max_tokens_out: 100
prompt: bad.md
`), 0o644))

	_, err := NewRegistry(dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LLM role")
}

func TestCompressor_TruncatesWithoutProvider(t *testing.T) {
	compressor, err := NewCompressor(nil, llm.DefaultRoleMap(), nil)
	require.NoError(t, err)

	long := ""
	for i := 0; i < 400; i++ {
		long += fmt.Sprintf("fact number %d about widget pricing. ", i)
	}
	sections := []PromptSection{
		{Section: 0, Title: "Query", Body: "what changed?"},
		{Section: 3, Title: "Retrieved Context", Body: long, Confidence: 0.4, Droppable: true},
	}

	fitted := compressor.Fit(context.Background(), 0, sections, 2500)
	require.Len(t, fitted, 2)
	assert.Equal(t, "what changed?", fitted[0].Body, "query section must never change")
	assert.Less(t, compressor.CountTokens(fitted[1].Body), compressor.CountTokens(long))
}

func TestCompressor_DropsWhenCompressionInsufficient(t *testing.T) {
	compressor, err := NewCompressor(nil, llm.DefaultRoleMap(), nil)
	require.NoError(t, err)

	long := ""
	for i := 0; i < 400; i++ {
		long += fmt.Sprintf("fact number %d about widget pricing. ", i)
	}
	sections := []PromptSection{
		{Section: 0, Title: "Query", Body: "what changed?"},
		{Section: 3, Title: "Retrieved Context", Body: long, Confidence: 0.4, Droppable: true},
	}

	fitted := compressor.Fit(context.Background(), 0, sections, 20)
	require.Len(t, fitted, 1)
	assert.Equal(t, 0, fitted[0].Section)
}
