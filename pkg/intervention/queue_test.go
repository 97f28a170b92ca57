// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package intervention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindCancel, Classify("cancel"))
	assert.Equal(t, KindCancel, Classify("  Never Mind  "))
	assert.Equal(t, KindCancel, Classify("STOP"))
	assert.Equal(t, KindGuide, Classify("skip bestbuy"))
	assert.Equal(t, KindGuide, Classify("focus on refurbished models"))
	assert.Equal(t, KindGuide, Classify("also check newegg"))
	assert.Equal(t, KindRedirect, Classify("actually make it a desktop"))
}

func TestParseGuidance(t *testing.T) {
	assert.Equal(t, Adjustment{Kind: "skip_vendor", Value: "bestbuy"}, ParseGuidance("skip bestbuy"))
	assert.Equal(t, Adjustment{Kind: "focus_query", Value: "refurbished"}, ParseGuidance("focus on refurbished"))
	assert.Equal(t, Adjustment{Kind: "add_vendor", Value: "newegg"}, ParseGuidance("also check newegg"))
	assert.Equal(t, Adjustment{Kind: "guidance", Value: "make it cheap"}, ParseGuidance("make it cheap"))
}

func TestQueue_ActiveTurnLock(t *testing.T) {
	q := NewQueue("", zap.NewNop())
	require.True(t, q.BeginTurn("s1", "t1"))
	assert.False(t, q.BeginTurn("s1", "t2"), "second turn must not start while one is active")
	assert.True(t, q.BeginTurn("s2", "t1"), "other sessions are independent")

	q.EndTurn("s1")
	assert.True(t, q.BeginTurn("s1", "t2"), "lock released on end_turn")
}

func TestQueue_InjectAndPoll(t *testing.T) {
	q := NewQueue("", zap.NewNop())
	require.True(t, q.BeginTurn("s1", "t1"))

	assert.Equal(t, KindGuide, q.Inject("s1", "skip bestbuy"))
	assert.Equal(t, KindRedirect, q.Inject("s1", "prefer laptops under $1000"))

	cancelled, msgs := q.Poll("s1")
	assert.False(t, cancelled)
	require.Len(t, msgs, 2)
	assert.Equal(t, "skip bestbuy", msgs[0].Text)

	// Poll consumes: second poll returns nothing.
	_, msgs = q.Poll("s1")
	assert.Empty(t, msgs)
}

func TestQueue_CancelFlag(t *testing.T) {
	q := NewQueue("", zap.NewNop())
	require.True(t, q.BeginTurn("s1", "t1"))

	assert.Equal(t, KindCancel, q.Inject("s1", "cancel"))
	cancelled, _ := q.Poll("s1")
	assert.True(t, cancelled)

	// Cancel stays set for later polls within the turn.
	cancelled, _ = q.Poll("s1")
	assert.True(t, cancelled)
}

func TestQueue_PerSessionCapMergesOverflow(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir, zap.NewNop())
	require.True(t, q.BeginTurn("s1", "t1"))

	for i := 0; i < maxPerSession; i++ {
		q.RecordError("s1", "tool_error", fmt.Sprintf("failure %d", i))
	}
	// Over cap: merged into the open tool_error entry + emergency log.
	q.RecordError("s1", "tool_error", "failure overflow")

	_, msgs := q.Poll("s1")
	require.Len(t, msgs, maxPerSession)
	assert.Contains(t, msgs[0].Text, "failure overflow", "overflow merges into the open entry")

	data, err := os.ReadFile(filepath.Join(dir, "intervention_emergency.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "failure overflow")
}

func TestQueue_Snapshot(t *testing.T) {
	dir := t.TempDir()
	q := NewQueue(dir, zap.NewNop())
	require.True(t, q.BeginTurn("s1", "t1"))
	q.Inject("s1", "skip bestbuy")

	data, err := os.ReadFile(filepath.Join(dir, "intervention_queue.json"))
	require.NoError(t, err)

	var snapshot map[string]struct {
		TurnID     string `json:"turn_id"`
		Injections []struct {
			Text string `json:"text"`
		} `json:"injections"`
	}
	require.NoError(t, json.Unmarshal(data, &snapshot))
	require.Contains(t, snapshot, "s1")
	require.Len(t, snapshot["s1"].Injections, 1)
	assert.Equal(t, "skip bestbuy", snapshot["s1"].Injections[0].Text)
}

func TestQueue_InjectWithoutActiveTurn(t *testing.T) {
	q := NewQueue("", zap.NewNop())
	assert.Equal(t, KindRedirect, q.Inject("ghost", "hello?"))
	cancelled, msgs := q.Poll("ghost")
	assert.False(t, cancelled)
	assert.Empty(t, msgs)
}
