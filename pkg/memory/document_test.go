// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnDocument_AppendOnly(t *testing.T) {
	doc := NewTurnDocument("turn_000001")

	require.NoError(t, doc.Append("analyze", SectionQuery, "Query", "hello"))

	// A section can never be written twice via Append.
	err := doc.Append("analyze", SectionQuery, "Query", "hello again")
	require.Error(t, err)

	// Nor via AppendAttempt for the query section.
	err = doc.AppendAttempt("analyze", SectionQuery, "Query", "hello again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestTurnDocument_AttemptBlocks(t *testing.T) {
	doc := NewTurnDocument("turn_000001")

	require.NoError(t, doc.Append("executor", SectionExecution, "Execution Progress", "iteration 1"))
	require.NoError(t, doc.AppendAttempt("executor", SectionExecution, "Execution Progress", "iteration 2"))

	blocks := doc.Section(SectionExecution)
	require.Len(t, blocks, 2)
	assert.Equal(t, 1, blocks[0].Attempt)
	assert.Equal(t, 2, blocks[1].Attempt)

	// First attempt is preserved verbatim.
	assert.Equal(t, "iteration 1", blocks[0].Body)
}

func TestTurnDocument_StageOwnership(t *testing.T) {
	doc := NewTurnDocument("turn_000001")

	require.NoError(t, doc.Append("synthesize", SectionSynthesis, "Synthesis", "draft"))

	err := doc.AppendAttempt("validate", SectionSynthesis, "Synthesis", "hijacked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owned by stage")
}

func TestTurnDocument_AttemptRequiresFirstWrite(t *testing.T) {
	doc := NewTurnDocument("turn_000001")
	err := doc.AppendAttempt("plan", SectionPlan, "Strategic Plan", "retry")
	require.Error(t, err)
}

func TestTurnDocument_RenderParseRoundTrip(t *testing.T) {
	doc := NewTurnDocument("turn_000001")
	require.NoError(t, doc.Append("analyze", SectionQuery, "Query", "find me a laptop"))
	require.NoError(t, doc.Append("retrieve", SectionGatheredContext, "Gathered Context",
		"### Preferences\n\nprefers nvidia\n\n"+FormatMeta(SectionMeta{
			SourceType:    "preference",
			NodeIDs:       []string{"node-1"},
			ConfidenceAvg: 0.91,
			Provenance:    []string{"users/u1/preferences.md"},
		})))
	require.NoError(t, doc.Append("validate", SectionValidation, "Validation", "decision: RETRY"))
	require.NoError(t, doc.AppendAttempt("validate", SectionValidation, "Validation", "decision: APPROVE"))

	rendered := doc.Render()

	// Section headers follow the `## <N>. <Title>` scheme, attempts labeled.
	assert.Contains(t, rendered, "## 0. Query")
	assert.Contains(t, rendered, "## 2. Gathered Context")
	assert.Contains(t, rendered, "## 7. Validation (Attempt 2)")

	parsed, err := ParseDocument("turn_000001", rendered)
	require.NoError(t, err)

	assert.Equal(t, "find me a laptop", parsed.SectionText(SectionQuery))
	assert.Equal(t, 2, parsed.Attempts(SectionValidation))

	// The fenced _meta block survives the round trip in place.
	meta, ok := ExtractMeta(parsed.SectionText(SectionGatheredContext))
	require.True(t, ok)
	assert.Equal(t, "preference", meta.SourceType)
	assert.Equal(t, []string{"node-1"}, meta.NodeIDs)
	assert.InDelta(t, 0.91, meta.ConfidenceAvg, 1e-9)
}

func TestTurnDocument_SectionZeroBytesStable(t *testing.T) {
	doc := NewTurnDocument("turn_000001")
	require.NoError(t, doc.Append("analyze", SectionQuery, "Query", "hello"))

	before := doc.Render()
	queryPart := before[:strings.Index(before, "## ")+1]

	require.NoError(t, doc.Append("plan", SectionPlan, "Strategic Plan", "route: synthesis"))
	require.NoError(t, doc.Append("synthesize", SectionSynthesis, "Synthesis", "hi there"))

	after := doc.Render()
	assert.True(t, strings.HasPrefix(after, before), "earlier sections must be byte-stable")
	assert.True(t, strings.HasPrefix(after, queryPart))
}

func TestTurnDocument_SectionContains(t *testing.T) {
	doc := NewTurnDocument("turn_000001")
	require.NoError(t, doc.Append("executor", SectionExecution, "Execution Progress",
		"claim: cheapest at https://vendor.example/p/42"))

	assert.True(t, doc.SectionContains(SectionExecution, "https://vendor.example/p/42"))
	assert.False(t, doc.SectionContains(SectionExecution, "https://other.example"))
	assert.False(t, doc.SectionContains(SectionExecution, ""))
}

func TestExtractMeta_NoBlock(t *testing.T) {
	_, ok := ExtractMeta("plain text without fences")
	assert.False(t, ok)
}
