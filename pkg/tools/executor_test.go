// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
)

func toolServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	require.NoError(t, err)
	return client
}

func TestExecutor_ReadToolAllowedInChat(t *testing.T) {
	client := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/file.read", r.URL.Path)
		assert.Equal(t, "chat", r.Header.Get(ModeHeader))
		w.Write([]byte(`{"content": "hello"}`))
	})
	gate := NewGate(GateConfig{EnforceModeGates: true}, zap.NewNop())
	exec := NewExecutor(client, gate, NewBroker(time.Second, zap.NewNop()), ModeChat, "s1", nil, zap.NewNop())

	result, err := exec.Execute(context.Background(), "file.read", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content": "hello"}`, string(result.Raw))
}

func TestExecutor_WriteToolDeniedInChat(t *testing.T) {
	client := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("denied tool must not reach the tool service")
	})
	gate := NewGate(GateConfig{EnforceModeGates: true, SavedRepo: "/repo"}, zap.NewNop())
	exec := NewExecutor(client, gate, NewBroker(time.Second, zap.NewNop()), ModeChat, "s1", nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), "file.write", map[string]any{"path": "/repo/main.go"})
	require.Error(t, err)
	assert.Equal(t, fault.PermissionError, fault.KindOf(err))
}

func TestExecutor_WriteInsideSavedRepoAllowed(t *testing.T) {
	client := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "code", r.Header.Get(ModeHeader))
		w.Write([]byte(`{"ok": true}`))
	})
	gate := NewGate(GateConfig{EnforceModeGates: true, SavedRepo: "/repo"}, zap.NewNop())
	exec := NewExecutor(client, gate, NewBroker(time.Second, zap.NewNop()), ModeCode, "s1", nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), "file.write", map[string]any{"path": "/repo/sub/main.go"})
	require.NoError(t, err)
}

func TestExecutor_OutOfScopeTimesOutToDeny(t *testing.T) {
	client := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("denied tool must not reach the tool service")
	})
	gate := NewGate(GateConfig{EnforceModeGates: true, SavedRepo: "/repo"}, zap.NewNop())
	broker := NewBroker(50*time.Millisecond, zap.NewNop())
	exec := NewExecutor(client, gate, broker, ModeCode, "s1", nil, zap.NewNop())

	start := time.Now()
	_, err := exec.Execute(context.Background(), "file.write", map[string]any{"path": "/elsewhere/x"})
	require.Error(t, err)
	assert.Equal(t, fault.PermissionError, fault.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestExecutor_ApprovalAllows(t *testing.T) {
	client := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	})
	gate := NewGate(GateConfig{EnforceModeGates: true, SavedRepo: "/repo"}, zap.NewNop())
	broker := NewBroker(5*time.Second, zap.NewNop())
	exec := NewExecutor(client, gate, broker, ModeCode, "s1", nil, zap.NewNop())

	go func() {
		for {
			pending := broker.Pending()
			if len(pending) == 1 {
				broker.Resolve(pending[0].ID, true)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := exec.Execute(context.Background(), "git.push", map[string]any{"path": "/elsewhere/repo"})
	require.NoError(t, err)
	assert.Empty(t, broker.Pending())
}

func TestBroker_ResolveUnknownID(t *testing.T) {
	broker := NewBroker(time.Second, zap.NewNop())
	assert.False(t, broker.Resolve("nope", true))
}

func TestExecutor_ToolErrorKind(t *testing.T) {
	client := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "crawler crashed"}`))
	})
	gate := NewGate(GateConfig{}, zap.NewNop())
	exec := NewExecutor(client, gate, NewBroker(time.Second, zap.NewNop()), ModeChat, "s1", nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), "research.search", map[string]any{"query": "widgets"})
	require.Error(t, err)
	assert.Equal(t, fault.ToolError, fault.KindOf(err))
	assert.Contains(t, err.Error(), "crawler crashed")
}

func TestExtractClaims(t *testing.T) {
	raw := json.RawMessage(`{
		"summary": "found stuff",
		"claims": [
			{"text": "vendor X ships in 3 days", "confidence": 0.8, "source": "vendor-x.com", "ttl_seconds": 86400},
			{"text": "  ", "confidence": 0.9},
			{"text": "price is $12", "confidence": 0}
		]
	}`)
	claims := ExtractClaims(raw, "research.search")
	require.Len(t, claims, 2)
	assert.Equal(t, "vendor-x.com", claims[0].Source)
	assert.Equal(t, "research.search", claims[1].Source, "source defaults to the tool name")
	assert.InDelta(t, 0.5, claims[1].Confidence, 1e-9, "out-of-range confidence defaults")
}

func TestGate_ScopeCheck(t *testing.T) {
	gate := NewGate(GateConfig{EnforceModeGates: true, SavedRepo: "/repo"}, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, DecisionAllow, gate.Check(ctx, ModeCode, "file.write", "/repo/a.go"))
	assert.Equal(t, DecisionAllow, gate.Check(ctx, ModeCode, "file.write", "relative/inside.go"))
	assert.Equal(t, DecisionNeedsApproval, gate.Check(ctx, ModeCode, "file.write", "/repo/../outside.go"))
	assert.Equal(t, DecisionNeedsApproval, gate.Check(ctx, ModeCode, "file.write", ""))
	assert.Equal(t, DecisionDeny, gate.Check(ctx, ModeChat, "file.write", "/repo/a.go"))
	assert.Equal(t, DecisionAllow, gate.Check(ctx, ModeChat, "file.read", ""))
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeChat, mode)

	_, err = ParseMode("yolo")
	require.Error(t, err)
}
