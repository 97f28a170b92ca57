// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return store
}

func sampleTurn(t *testing.T, turnNumber int) SavedTurn {
	doc := NewTurnDocument(TurnDirName(turnNumber))
	require.NoError(t, doc.Append("analyze", SectionQuery, "Query", "hello"))
	require.NoError(t, doc.Append("synthesize", SectionSynthesis, "Synthesis", "hi"))
	require.NoError(t, doc.Append("save", SectionSummaryAppendix, "Turn Summary", "greeted the user"))

	return SavedTurn{
		TurnNumber: turnNumber,
		SessionID:  "s1",
		Document:   doc,
		Response:   "hi there",
		Metadata: TurnMetadata{
			TurnNumber: turnNumber,
			SessionID:  "s1",
			Timestamp:  time.Now(),
			Topic:      "greeting",
		},
		Metrics: TurnMetrics{ValidationOutcome: "APPROVE"},
	}
}

func TestStore_SaveAndReadTurn(t *testing.T) {
	store := newTestStore(t)

	dir, err := store.SaveTurn("u1", sampleTurn(t, 1))
	require.NoError(t, err)

	for _, name := range []string{"context.md", "response.md", "metadata.json", "metrics.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	// Optional files are absent when empty.
	_, err = os.Stat(filepath.Join(dir, "plan_state.json"))
	assert.True(t, os.IsNotExist(err))

	text, err := store.ReadTurnContext("u1", 1)
	require.NoError(t, err)
	assert.Contains(t, text, "## 0. Query")

	response, err := store.ReadTurnResponse("u1", 1)
	require.NoError(t, err)
	assert.Equal(t, "hi there", response)
}

func TestStore_TurnDirsAppendOnly(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveTurn("u1", sampleTurn(t, 1))
	require.NoError(t, err)

	_, err = store.SaveTurn("u1", sampleTurn(t, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestStore_NextTurnNumber(t *testing.T) {
	store := newTestStore(t)

	n, err := store.NextTurnNumber("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.SaveTurn("u1", sampleTurn(t, 1))
	require.NoError(t, err)
	_, err = store.SaveTurn("u1", sampleTurn(t, 2))
	require.NoError(t, err)

	n, err = store.NextTurnNumber("u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_TurnSummary(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveTurn("u1", sampleTurn(t, 1))
	require.NoError(t, err)

	summary, ok := store.TurnSummary("u1", 1)
	require.True(t, ok)
	assert.Equal(t, "greeted the user", summary)

	_, ok = store.TurnSummary("u1", 99)
	assert.False(t, ok)
}

func TestStore_RecentTurnNumbers(t *testing.T) {
	store := newTestStore(t)
	for i := 1; i <= 5; i++ {
		_, err := store.SaveTurn("u1", sampleTurn(t, i))
		require.NoError(t, err)
	}

	nums, err := store.RecentTurnNumbers("u1", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 3}, nums)
}

func TestStore_Preferences(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.ReadPreferences("u1")
	assert.False(t, ok)

	_, err := store.UserDir("u1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.PreferencesPath("u1"), []byte("favorite hamster: Syrian"), 0o644))

	prefs, ok := store.ReadPreferences("u1")
	require.True(t, ok)
	assert.Contains(t, prefs, "Syrian")
}
