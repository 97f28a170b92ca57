// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const researchWorkflow = `name: research_topic
version: 1
category: research
triggers:
  intents: [research]
  phrases: ["look it up"]
  patterns: ["research {topic}"]
  keywords: [research, investigate]
inputs:
  required: [topic]
steps:
  - name: search
    tool: research.search
    args:
      query: "{{topic}}"
    output: search_results
success_criteria:
  - "{{search_results}} != ''"
fallback:
  workflow: simple_search
  message: "Research failed, try a plain search."
`

const simpleSearchWorkflow = `name: simple_search
version: 1
category: research
steps:
  - name: search
    tool: web.search
    args:
      query: "{{topic}}"
    output: results
`

func writeWorkflows(t *testing.T, defs ...string) string {
	t.Helper()
	dir := t.TempDir()
	for i, def := range defs {
		path := filepath.Join(dir, fmt.Sprintf("wf%d.yaml", i))
		require.NoError(t, os.WriteFile(path, []byte(def), 0o644))
	}
	return dir
}

func TestRegistry_LoadAndGet(t *testing.T) {
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow, simpleSearchWorkflow), zap.NewNop())
	require.NoError(t, err)

	wf, err := registry.Get("research_topic")
	require.NoError(t, err)
	assert.Equal(t, "research", wf.Category)
	assert.Len(t, registry.All(), 2)

	_, err = registry.Get("nope")
	require.Error(t, err)
}

func TestRegistry_RejectsStepWithoutTool(t *testing.T) {
	dir := writeWorkflows(t, "name: bad\nsteps:\n  - name: x\n")
	_, err := NewRegistry(dir, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no tool")
}

func TestRegistry_HotReload(t *testing.T) {
	dir := writeWorkflows(t, researchWorkflow)
	registry, err := NewRegistry(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, registry.Watch())
	defer registry.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.yaml"), []byte(simpleSearchWorkflow), 0o644))

	assert.Eventually(t, func() bool {
		_, err := registry.Get("simple_search")
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestMatcher_Tiers(t *testing.T) {
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow), zap.NewNop())
	require.NoError(t, err)
	matcher := NewMatcher(registry, nil, zap.NewNop())
	ctx := context.Background()

	// Intent beats everything.
	m := matcher.MatchQuery(ctx, "research", "whatever text")
	require.NotNil(t, m)
	assert.Equal(t, "intent", m.Tier)
	assert.InDelta(t, 1.0, m.Confidence, 1e-9)

	// Literal phrase.
	m = matcher.MatchQuery(ctx, "", "Look it up")
	require.NotNil(t, m)
	assert.Equal(t, "phrase", m.Tier)

	// Glob pattern with placeholder capture.
	m = matcher.MatchQuery(ctx, "", "research widget suppliers")
	require.NotNil(t, m)
	assert.Equal(t, "pattern", m.Tier)
	assert.Equal(t, "widget suppliers", m.Inputs["topic"])

	// Keyword fallback: both keywords present.
	m = matcher.MatchQuery(ctx, "", "can you investigate this, maybe research it")
	require.NotNil(t, m)
	assert.Equal(t, "keyword", m.Tier)

	// Nothing matches: single-tool path.
	assert.Nil(t, matcher.MatchQuery(ctx, "", "what time is it"))
}

type fakeClassifier struct {
	name string
	conf float64
}

func (f *fakeClassifier) Classify(ctx context.Context, query string, candidates []string) (string, float64, error) {
	return f.name, f.conf, nil
}

func TestMatcher_SemanticTier(t *testing.T) {
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow), zap.NewNop())
	require.NoError(t, err)

	matcher := NewMatcher(registry, &fakeClassifier{name: "research_topic", conf: 0.85}, zap.NewNop())
	m := matcher.MatchQuery(context.Background(), "", "dig into the widget situation")
	require.NotNil(t, m)
	assert.Equal(t, "semantic", m.Tier)
	assert.InDelta(t, 0.85, m.Confidence, 1e-9)

	// Below the floor the semantic tier is skipped.
	matcher = NewMatcher(registry, &fakeClassifier{name: "research_topic", conf: 0.5}, zap.NewNop())
	assert.Nil(t, matcher.MatchQuery(context.Background(), "", "dig into the widget situation"))
}

// fakeInvoker returns canned outputs per tool and records calls.
type fakeInvoker struct {
	outputs map[string]string
	fail    map[string]bool
	calls   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	f.calls = append(f.calls, tool)
	if f.fail[tool] {
		return nil, fmt.Errorf("tool %s exploded", tool)
	}
	out, ok := f.outputs[tool]
	if !ok {
		out = `""`
	}
	return json.RawMessage(out), nil
}

func TestEngine_Run(t *testing.T) {
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow, simpleSearchWorkflow), zap.NewNop())
	require.NoError(t, err)
	invoker := &fakeInvoker{outputs: map[string]string{"research.search": `"three articles found"`}}
	engine := NewEngine(registry, invoker, zap.NewNop())

	result, err := engine.Run(context.Background(), "research_topic", map[string]string{"topic": "widgets"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "three articles found", result.Bag["search_results"])
	assert.Equal(t, []string{"research.search"}, invoker.calls)
}

func TestEngine_MissingRequiredInput(t *testing.T) {
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow, simpleSearchWorkflow), zap.NewNop())
	require.NoError(t, err)
	engine := NewEngine(registry, &fakeInvoker{}, zap.NewNop())

	_, err = engine.Run(context.Background(), "research_topic", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required inputs: topic")
}

func TestEngine_FallbackReinvocation(t *testing.T) {
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow, simpleSearchWorkflow), zap.NewNop())
	require.NoError(t, err)
	invoker := &fakeInvoker{
		fail:    map[string]bool{"research.search": true},
		outputs: map[string]string{"web.search": `"plain results"`},
	}
	engine := NewEngine(registry, invoker, zap.NewNop())

	result, err := engine.Run(context.Background(), "research_topic", map[string]string{"topic": "widgets"})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "simple_search", result.Workflow)
	assert.Equal(t, "research_topic", result.FellBackFrom)
	assert.Equal(t, []string{"research.search", "web.search"}, invoker.calls)
}

func TestEngine_SuccessCriteriaFailureReportsFallbackMessage(t *testing.T) {
	// Without a registered fallback target the run reports failed.
	registry, err := NewRegistry(writeWorkflows(t, researchWorkflow, simpleSearchWorkflow), zap.NewNop())
	require.NoError(t, err)
	invoker := &fakeInvoker{
		outputs: map[string]string{
			"research.search": `""`, // criterion {{search_results}} != '' fails
			"web.search":      `""`, // fallback has no criteria, so it completes
		},
	}
	engine := NewEngine(registry, invoker, zap.NewNop())

	result, err := engine.Run(context.Background(), "research_topic", map[string]string{"topic": "widgets"})
	require.NoError(t, err)
	// Criterion failed, fallback ran and completed.
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "simple_search", result.Workflow)
}

func TestEvalCriterion(t *testing.T) {
	bag := map[string]string{"out": "hello world", "empty": ""}
	assert.True(t, evalCriterion("{{out}} != ''", bag))
	assert.False(t, evalCriterion("{{empty}} != ''", bag))
	assert.True(t, evalCriterion("{{out}} contains 'world'", bag))
	assert.False(t, evalCriterion("{{out}} == 'nope'", bag))
	assert.True(t, evalCriterion("{{out}}", bag))
	assert.False(t, evalCriterion("{{empty}}", bag))
}

func TestMatchPattern_Capture(t *testing.T) {
	inputs, ok := matchPattern("compare {a} with {b}", "Compare widgets with gadgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", inputs["a"])
	assert.Equal(t, "gadgets", inputs["b"])

	_, ok = matchPattern("compare {a} with {b}", "contrast widgets and gadgets")
	assert.False(t, ok)
}
