// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package embedded

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/stage"
	"github.com/teradata-labs/pandora/pkg/workflow"
)

func TestMaterialize(t *testing.T) {
	dir := t.TempDir()

	written, err := Materialize(dir)
	require.NoError(t, err)
	assert.Greater(t, written, 20, "recipes, prompts, schemas, and workflows")

	// Every shipped recipe must load against its prompt and schema.
	recipes, err := stage.NewRegistry(filepath.Join(dir, "recipes"), zap.NewNop())
	require.NoError(t, err)
	schemas, err := stage.NewSchemaRegistry(filepath.Join(dir, "schemas"))
	require.NoError(t, err)
	for _, name := range []string{
		"analyze", "validate_analysis", "search_terms", "synthesize_context",
		"validate_context", "plan", "executor", "coordinator", "synthesize",
		"validate_response", "turn_summary", "classify_workflow", "reflect",
	} {
		recipe, err := recipes.Get(name)
		require.NoError(t, err, name)
		if recipe.SchemaName != "" {
			_, err := schemas.Get(recipe.SchemaName)
			require.NoError(t, err, "recipe %s schema %s", name, recipe.SchemaName)
		}
	}

	// Shipped workflows must validate.
	workflows, err := workflow.NewRegistry(filepath.Join(dir, "workflows"), zap.NewNop())
	require.NoError(t, err)
	_, err = workflows.Get("research_topic")
	require.NoError(t, err)
}

func TestMaterialize_SkipsExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "recipes"), 0o755))
	custom := filepath.Join(dir, "recipes", "analyze.md")
	require.NoError(t, os.WriteFile(custom, []byte("customized"), 0o644))

	first, err := Materialize(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Equal(t, "customized", string(data), "local edits survive")

	second, err := Materialize(dir)
	require.NoError(t, err)
	assert.Zero(t, second)
	assert.Greater(t, first, 0)
}

func TestExampleConfig(t *testing.T) {
	data := ExampleConfig()
	require.NotEmpty(t, data)
	assert.Contains(t, string(data), "gateway:")
	assert.Contains(t, string(data), "llm:")
}
