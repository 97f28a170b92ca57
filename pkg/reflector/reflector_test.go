// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/llm"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/orchestrator"
	"github.com/teradata-labs/pandora/pkg/stage"
)

func TestAccumulator_Weights(t *testing.T) {
	a := NewAccumulator("", zap.NewNop())

	a.TurnSaved("alice", orchestrator.TurnSignals{TurnNumber: 1, Topic: "laptops"})
	assert.False(t, a.Due("alice"))

	// Repeated topic, correction, high-quality research, refresh: 1.0 +
	// 2.0 + 1.5 + 1.0 = 5.5 > 5.0.
	a.TurnSaved("alice", orchestrator.TurnSignals{
		TurnNumber:       2,
		Topic:            "laptops",
		UserCorrection:   true,
		ResearchQuality:  0.9,
		RefreshedContext: true,
	})
	assert.True(t, a.Due("alice"))

	snapshot, ok := a.Consume("alice", 2)
	require.True(t, ok)
	assert.InDelta(t, 5.5, snapshot.Urgency, 0.001)
	assert.False(t, a.Due("alice"), "consume resets the state")
}

func TestAccumulator_TurnCountTrigger(t *testing.T) {
	a := NewAccumulator("", zap.NewNop())
	for i := 1; i <= triggerTurns; i++ {
		a.TurnSaved("bob", orchestrator.TurnSignals{TurnNumber: i, Topic: fmt.Sprintf("topic-%d", i)})
	}
	assert.True(t, a.Due("bob"))
	assert.Equal(t, []string{"bob"}, a.DueUsers())
}

func TestAccumulator_PersistsState(t *testing.T) {
	dir := t.TempDir()
	a := NewAccumulator(dir, zap.NewNop())
	a.TurnSaved("alice", orchestrator.TurnSignals{Topic: "widgets", ContradictionFlag: true})

	b := NewAccumulator(dir, zap.NewNop())
	snapshot, ok := b.Consume("alice", 1)
	require.True(t, ok)
	assert.InDelta(t, 2.5, snapshot.Urgency, 0.001)
}

// reflectProvider answers the reflect recipe with a fixed payload and
// fails every other call.
type reflectProvider struct {
	payload string
}

func (p *reflectProvider) Name() string { return "reflect-fake" }

func (p *reflectProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	user := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(user, "[reflect]") {
		return nil, fmt.Errorf("unexpected stage call")
	}
	return &llm.CompletionResponse{Content: p.payload, TokensIn: 200, TokensOut: 100}, nil
}

func writeReflectFixture(t *testing.T, dir string) (*stage.Runner, func(payload string)) {
	t.Helper()
	recipes := filepath.Join(dir, "recipes")
	schemas := filepath.Join(dir, "schemas")
	require.NoError(t, os.MkdirAll(recipes, 0o755))
	require.NoError(t, os.MkdirAll(schemas, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(recipes, "reflect.yaml"),
		[]byte("name: reflect\nrole: MIND\nmax_tokens_in: 16000\nmax_tokens_out: 2000\nschema: reflect\nprompt: reflect.md\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(recipes, "reflect.md"),
		[]byte("[reflect]\nDistill the turns. Keywords: {{keywords}}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(schemas, "reflect.json"),
		[]byte(`{"type":"object","required":["new_facts"],"properties":{"new_facts":{"type":"array"},"corrections":{"type":"array"},"connections":{"type":"array"},"open_questions":{"type":"array"}}}`), 0o644))

	provider := &reflectProvider{}
	recipeReg, err := stage.NewRegistry(recipes, zap.NewNop())
	require.NoError(t, err)
	schemaReg, err := stage.NewSchemaRegistry(schemas)
	require.NoError(t, err)
	runner, err := stage.NewRunner(stage.RunnerConfig{Recipes: recipeReg, Schemas: schemaReg, Provider: provider})
	require.NoError(t, err)
	return runner, func(payload string) { provider.payload = payload }
}

func newTestReflector(t *testing.T) (*Reflector, *memory.Store, *memory.Corpus, func(payload string)) {
	t.Helper()
	dir := t.TempDir()
	runner, setPayload := writeReflectFixture(t, dir)

	store, err := memory.NewStore(filepath.Join(dir, "data"), zap.NewNop())
	require.NoError(t, err)
	corpus, err := memory.NewCorpus(context.Background(), filepath.Join(dir, "corpus.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { corpus.Close() })

	r := New(store, corpus, runner, NewAccumulator("", zap.NewNop()), Config{}, "", nil, zap.NewNop())
	return r, store, corpus, setPayload
}

func saveFakeTurn(t *testing.T, store *memory.Store, userID string, n int, body, response string, quality float64) {
	t.Helper()
	doc := memory.NewTurnDocument(memory.TurnDirName(n))
	require.NoError(t, doc.Append("analyze", memory.SectionQuery, "Query", body))
	_, err := store.SaveTurn(userID, memory.SavedTurn{
		TurnNumber: n,
		SessionID:  "s1",
		Document:   doc,
		Response:   response,
		Metadata:   memory.TurnMetadata{TurnNumber: n, QualityScore: quality},
	})
	require.NoError(t, err)
}

func TestRunBatch_StagesFactInvisibleToSearch(t *testing.T) {
	r, store, corpus, setPayload := newTestReflector(t)
	saveFakeTurn(t, store, "alice", 1, "user asked about widget suppliers in Austin", "Acme stocks widgets.", 0.9)
	saveFakeTurn(t, store, "alice", 2, "user compared widget suppliers again", "Acme is cheapest.", 0.85)

	setPayload(`{"new_facts":[{"content":"Acme is the cheapest widget supplier in Austin","cited_turns":[1,2],"content_type":"vendor_info"}],"corrections":[],"connections":[],"open_questions":[]}`)

	report, err := r.RunBatch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, report.Staged, 1)
	assert.Empty(t, report.Rejected)
	assert.True(t, strings.HasPrefix(report.Staged[0], "Knowledge_staging/"))

	// Staged knowledge is invisible to live search.
	hits, err := corpus.SearchBM25(context.Background(), "alice", "widget supplier", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Batch log written.
	entries, err := os.ReadDir(store.ReflectorLogDir("alice"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(store.ReflectorLogDir("alice"), entries[0].Name()))
	require.NoError(t, err)
	var logged BatchReport
	require.NoError(t, json.Unmarshal(data, &logged))
	assert.Equal(t, report.BatchID, logged.BatchID)
}

func TestRunBatch_GateRejections(t *testing.T) {
	r, store, _, setPayload := newTestReflector(t)
	saveFakeTurn(t, store, "alice", 1, "user discussed gadget pricing", "Gadgets cost $10.", 0.7)

	setPayload(`{"new_facts":[
		{"content":"gadget pricing is around ten dollars","cited_turns":[99]},
		{"content":"completely unrelated astronomy trivia","cited_turns":[1]}
	],"corrections":[],"connections":[],"open_questions":[]}`)

	report, err := r.RunBatch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, report.Staged)
	require.Len(t, report.Rejected, 2)
	assert.Contains(t, report.Rejected[0].Reason, "cited turn 99 does not exist")
	assert.Contains(t, report.Rejected[1].Reason, "no keyword overlap")
}

func TestRunBatch_AlreadyKnownRejected(t *testing.T) {
	r, store, corpus, setPayload := newTestReflector(t)
	saveFakeTurn(t, store, "alice", 1, "user asked about acme widget pricing in Austin", "Acme is cheapest.", 0.7)

	require.NoError(t, corpus.Upsert(context.Background(), memory.Node{
		ID: "k1", UserID: "alice", Path: "Knowledge/facts/acme.md",
		SourceType: memory.SourceFact, ContentType: memory.ContentGeneralFact,
		Content:           "acme cheapest widget supplier pricing austin",
		InitialConfidence: 0.8, CreatedAt: time.Now(),
	}, nil))

	setPayload(`{"new_facts":[{"content":"acme cheapest widget supplier pricing austin","cited_turns":[1]}],"corrections":[],"connections":[],"open_questions":[]}`)

	report, err := r.RunBatch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, report.Staged)
	require.Len(t, report.Rejected, 1)
	assert.Contains(t, report.Rejected[0].Reason, "already known")
}

func TestRunBatch_PromotionOnReobservation(t *testing.T) {
	r, store, corpus, setPayload := newTestReflector(t)
	saveFakeTurn(t, store, "alice", 1, "user asked about acme widget supplier austin pricing", "Acme wins.", 0.9)

	fact := `{"new_facts":[{"content":"acme is the best widget supplier for austin pricing","cited_turns":[1]}],"corrections":[],"connections":[],"open_questions":[]}`
	setPayload(fact)
	first, err := r.RunBatch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, first.Staged, 1)
	assert.Empty(t, first.Promoted)

	// Second batch proposes the same fact. Staging is invisible to
	// BM25 so the duplicate is not rejected as known; it re-observes
	// the staged copy, which crosses the promotion threshold.
	saveFakeTurn(t, store, "alice", 2, "user confirmed acme widget supplier austin pricing", "Still Acme.", 0.9)
	setPayload(fact)
	second, err := r.RunBatch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, second.Promoted, 1)
	assert.True(t, strings.HasPrefix(second.Promoted[0], "Knowledge/"))

	// Promoted knowledge is now searchable.
	hits, err := corpus.SearchBM25(context.Background(), "alice", "acme widget supplier", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.True(t, strings.HasPrefix(hits[0].Node.Path, "Knowledge/"))
}

func TestRunBatch_ExpiryDeletesStaleStaging(t *testing.T) {
	r, store, corpus, setPayload := newTestReflector(t)
	saveFakeTurn(t, store, "alice", 1, "user asked about fresh topics", "ok", 0.7)

	old := memory.Node{
		ID: "stale1", UserID: "alice", Path: "Knowledge_staging/oldbatch/fact_0.md",
		SourceType: memory.SourceFact, ContentType: memory.ContentGeneralFact,
		Content:           "an unconfirmed claim about obsolete gizmos",
		InitialConfidence: 0.6,
		CreatedAt:         time.Now().Add(-31 * 24 * time.Hour),
		ValidationCount:   1,
	}
	require.NoError(t, corpus.Upsert(context.Background(), old, nil))

	setPayload(`{"new_facts":[],"corrections":[],"connections":[],"open_questions":[]}`)
	report, err := r.RunBatch(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, "Knowledge_staging/oldbatch/fact_0.md", report.Expired[0])

	_, err = corpus.Get(context.Background(), "stale1")
	assert.Error(t, err, "expired node is gone from the corpus")
}

func TestRunBatch_ConfidenceFromSourceCount(t *testing.T) {
	r, store, _, _ := newTestReflector(t)
	saveFakeTurn(t, store, "alice", 1, "acme widgets", "ok", 0.9)
	saveFakeTurn(t, store, "alice", 2, "acme widgets", "ok", 0.7)
	saveFakeTurn(t, store, "alice", 3, "acme widgets", "ok", 0.5)

	assert.InDelta(t, 0.60, r.assignConfidence("alice", proposedItem{CitedTurns: []int{1}}), 0.001)
	assert.InDelta(t, 0.75, r.assignConfidence("alice", proposedItem{CitedTurns: []int{1, 2}}), 0.001)
	assert.InDelta(t, 0.85, r.assignConfidence("alice", proposedItem{CitedTurns: []int{1, 2, 3}}), 0.001,
		"three sources with one high-quality turn")
	assert.InDelta(t, 0.75, r.assignConfidence("alice", proposedItem{CitedTurns: []int{2, 3, 2}}), 0.001,
		"three sources, none high quality")
}

func TestTokenSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, tokenSimilarity("acme widget pricing", "the acme widget pricing sheet"), 0.001)
	assert.InDelta(t, 0.0, tokenSimilarity("acme widget pricing", "unrelated astronomy text"), 0.001)
	sim := tokenSimilarity("acme widget pricing austin", "acme pricing data")
	assert.Greater(t, sim, 0.4)
	assert.Less(t, sim, 0.8)
}

func TestReflectionCap(t *testing.T) {
	many := make([]proposedItem, 5)
	r := reflection{NewFacts: many, Corrections: many, Connections: many, OpenQuestions: many}
	r.cap()
	assert.Len(t, r.NewFacts, 2)
	assert.Len(t, r.Corrections, 1)
	assert.Len(t, r.Connections, 2)
	assert.Len(t, r.OpenQuestions, 2)
}
