// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package retriever

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/confidence"
	"github.com/teradata-labs/pandora/pkg/memory"
)

type fakePlanner struct {
	plan *TermPlan
	err  error
}

func (f *fakePlanner) PlanSearch(ctx context.Context, query, purpose, reasoning string) (*TermPlan, error) {
	return f.plan, f.err
}

// fakeEmbedder maps known texts to fixed vectors; everything else is
// orthogonal to them.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func testCorpus(t *testing.T) (*memory.Corpus, *memory.Store) {
	t.Helper()
	dir := t.TempDir()
	corpus, err := memory.NewCorpus(context.Background(), filepath.Join(dir, "corpus.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { corpus.Close() })

	store, err := memory.NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	return corpus, store
}

func seedNode(t *testing.T, corpus *memory.Corpus, id, path, content string, conf float64, vec []float32) {
	t.Helper()
	require.NoError(t, corpus.Upsert(context.Background(), memory.Node{
		ID:                id,
		UserID:            "alice",
		Path:              path,
		SourceType:        memory.SourceFact,
		ContentType:       "general_fact",
		Content:           content,
		InitialConfidence: conf,
		CreatedAt:         time.Now(),
	}, vec))
}

func TestRetrieve_BM25AndFusion(t *testing.T) {
	corpus, store := testCorpus(t)
	seedNode(t, corpus, "n1", "Knowledge/facts/widgets.md", "widget pricing went up in March", 0.9, nil)
	seedNode(t, corpus, "n2", "Knowledge/facts/gadgets.md", "gadget supply is stable", 0.9, nil)

	r := New(corpus, store, nil,
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"widget pricing"}}},
		nil, Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "what happened to widget pricing?", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results.Results)
	assert.Equal(t, "Knowledge/facts/widgets.md", results.Results[0].DocumentPath)
	assert.Equal(t, SourceSearch, results.Results[0].Source)
	assert.Greater(t, results.Results[0].RRFScore, 0.0)
	assert.Equal(t, 1, results.Results[0].BM25Rank)

	// Without a decay model the carried confidence is the initial score.
	assert.InDelta(t, 0.9, results.Results[0].Confidence, 1e-9)
}

func TestRetrieve_CarriesDecayedConfidence(t *testing.T) {
	corpus, store := testCorpus(t)
	created := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, corpus.Upsert(context.Background(), memory.Node{
		ID:                "n1",
		UserID:            "alice",
		Path:              "Knowledge/facts/price.md",
		SourceType:        memory.SourceFact,
		ContentType:       "price",
		Content:           "widgets cost five dollars",
		InitialConfidence: 0.9,
		CreatedAt:         created,
	}, nil))

	r := New(corpus, store, confidence.NewModel(),
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"widgets"}}},
		nil, Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "widget prices", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results.Results)

	// price decays as floor + (initial-floor)*e^(-lambda*age): ten days
	// at lambda 0.10 over a 0.20 floor.
	expected := 0.20 + (0.9-0.20)*math.Exp(-0.10*10)
	assert.InDelta(t, expected, results.Results[0].Confidence, 0.01)
	assert.Less(t, results.Results[0].RRFScore, 0.05, "fusion score stays on the RRF scale")
}

func TestRetrieve_EmptyQueryIsValid(t *testing.T) {
	corpus, store := testCorpus(t)
	r := New(corpus, store, nil, nil, nil, Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "   ", "", "", nil)
	require.NoError(t, err)
	assert.Empty(t, results.Results)
}

func TestRetrieve_PlannerFailureDegradesToKeywords(t *testing.T) {
	corpus, store := testCorpus(t)
	seedNode(t, corpus, "n1", "Knowledge/facts/widgets.md", "widget pricing went up", 0.9, nil)

	r := New(corpus, store, nil,
		&fakePlanner{err: fmt.Errorf("llm down")},
		nil, Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "tell me about widget pricing", "", "", nil)
	require.NoError(t, err)
	assert.Contains(t, results.Stats.Degradations, "term_planner_failed")
	require.NotEmpty(t, results.Results)
	assert.Equal(t, "Knowledge/facts/widgets.md", results.Results[0].DocumentPath)
}

func TestRetrieve_EmbeddingFailureDegradesToBM25(t *testing.T) {
	corpus, store := testCorpus(t)
	seedNode(t, corpus, "n1", "Knowledge/facts/widgets.md", "widget pricing went up", 0.9, []float32{1, 0, 0})

	r := New(corpus, store, nil,
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"widget"}}},
		&fakeEmbedder{err: fmt.Errorf("connection refused")},
		Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "widget pricing", "", "", nil)
	require.NoError(t, err)
	assert.Contains(t, results.Stats.Degradations, "embedding_unavailable")
	require.NotEmpty(t, results.Results)
}

func TestRetrieve_EmbeddingBoostsFusedScore(t *testing.T) {
	corpus, store := testCorpus(t)
	// Both nodes match "widget" by keyword; only n1 is embedding-close.
	seedNode(t, corpus, "n1", "Knowledge/facts/a.md", "widget margins", 0.9, []float32{1, 0, 0})
	seedNode(t, corpus, "n2", "Knowledge/facts/b.md", "widget colors", 0.9, []float32{0, 1, 0})

	r := New(corpus, store, nil,
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"margins"}}},
		&fakeEmbedder{vectors: map[string][]float32{"margins": {1, 0, 0}}},
		Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "widget margins", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results.Results)

	// n1 gets BM25 + embedding contributions, n2 is below the cosine
	// floor and absent from the embedding list.
	assert.Equal(t, "Knowledge/facts/a.md", results.Results[0].DocumentPath)
	assert.NotZero(t, results.Results[0].EmbeddingRank)
}

func TestRetrieve_ConfidenceFloorDropsExpired(t *testing.T) {
	corpus, store := testCorpus(t)
	seedNode(t, corpus, "n1", "Knowledge/facts/stale.md", "widget pricing from last year", 0.25, nil)

	r := New(corpus, store, nil,
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"widget pricing"}}},
		nil, Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "widget pricing", "", "", nil)
	require.NoError(t, err)
	assert.Empty(t, results.Results)
	assert.Equal(t, 1, results.Stats.Dropped)
}

func TestRetrieve_AlwaysIncludeRules(t *testing.T) {
	corpus, store := testCorpus(t)
	_, err := store.UserDir("alice")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.PreferencesPath("alice"), []byte("- metric units\n"), 0o644))

	r := New(corpus, store, nil,
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"anything"}, IncludePreferences: true}},
		nil, Config{}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "anything", "", "", nil)
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, SourceAlwaysInclude, results.Results[0].Source)
	assert.Equal(t, "preferences.md", results.Results[0].DocumentPath)
	assert.InDelta(t, 1.0, results.Results[0].Confidence, 1e-9)
}

func TestRetrieve_TopKCut(t *testing.T) {
	corpus, store := testCorpus(t)
	for i := 0; i < 6; i++ {
		seedNode(t, corpus, fmt.Sprintf("n%d", i),
			fmt.Sprintf("Knowledge/facts/f%d.md", i),
			fmt.Sprintf("widget fact number %d", i), 0.9, nil)
	}

	r := New(corpus, store, nil,
		&fakePlanner{plan: &TermPlan{SearchTerms: []string{"widget"}}},
		nil, Config{TopK: 3}, nil, zap.NewNop())

	results, err := r.Retrieve(context.Background(), "alice", "widget", "", "", nil)
	require.NoError(t, err)
	assert.Len(t, results.Results, 3)
}

func TestSnippet_TruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 300)
	s := snippet(long)
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, 201, utf8.RuneCountInString(s))
	assert.True(t, strings.HasSuffix(s, "…"))
}

func TestExtractKeywords(t *testing.T) {
	kw := ExtractKeywords("What happened to the widget pricing in March?", 5)
	assert.Contains(t, kw, "widget")
	assert.Contains(t, kw, "pricing")
	assert.NotContains(t, kw, "the")
	assert.NotContains(t, kw, "what")
}
