// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/orchestrator"
	"github.com/teradata-labs/pandora/pkg/tools"
)

type fakeProcessor struct {
	last   orchestrator.TurnRequest
	result *orchestrator.TurnResult
}

func (f *fakeProcessor) ProcessTurn(_ context.Context, req orchestrator.TurnRequest) *orchestrator.TurnResult {
	f.last = req
	return f.result
}

func newTestServer(t *testing.T, processor TurnProcessor, broker *tools.Broker, reload func() error) http.Handler {
	t.Helper()
	s, err := New(Config{
		Orchestrator: processor,
		Broker:       broker,
		Reload:       reload,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return s.Handler()
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestTurnEndpoint(t *testing.T) {
	f := &fakeProcessor{result: &orchestrator.TurnResult{Response: "hi there", Status: orchestrator.StatusOK}}
	h := newTestServer(t, f, nil, nil)

	body := `{"session_id":"s1","message":"hello","mode":"chat"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/turn", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var result orchestrator.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "hi there", result.Response)
	assert.Equal(t, orchestrator.StatusOK, result.Status)
	assert.Equal(t, "s1", f.last.SessionID)
	assert.Equal(t, "chat", f.last.Mode)
}

func TestTurnEndpoint_RejectsMissingFields(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/turn", strings.NewReader(`{"message":"hi"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_id")
}

func TestPermissionsFlow(t *testing.T) {
	broker := tools.NewBroker(2*time.Second, zap.NewNop())
	h := newTestServer(t, &fakeProcessor{}, broker, nil)

	// Nothing pending at first.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/permissions/pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	// A blocked tool call publishes a pending request.
	decision := make(chan tools.Decision, 1)
	go func() {
		decision <- broker.Request(context.Background(), tools.ApprovalRequest{
			SessionID: "s1", Tool: "file.write", TargetPath: "/tmp/x", Mode: "code",
		})
	}()

	var pending []tools.ApprovalRequest
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/permissions/pending", nil))
		pending = nil
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	// Approve it over the API.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST",
		fmt.Sprintf("/api/permissions/%s/resolve", pending[0].ID),
		strings.NewReader(`{"decision":"approve"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tools.DecisionAllow, <-decision)
}

func TestResolve_UnknownID(t *testing.T) {
	broker := tools.NewBroker(time.Second, zap.NewNop())
	h := newTestServer(t, &fakeProcessor{}, broker, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/permissions/nope/resolve",
		strings.NewReader(`{"decision":"deny"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolve_RejectsBadDecision(t *testing.T) {
	broker := tools.NewBroker(time.Second, zap.NewNop())
	h := newTestServer(t, &fakeProcessor{}, broker, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/permissions/x/resolve",
		strings.NewReader(`{"decision":"maybe"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminReload(t *testing.T) {
	called := false
	h := newTestServer(t, &fakeProcessor{}, nil, func() error {
		called = true
		return nil
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/admin/reload", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestAdminReload_PropagatesFailure(t *testing.T) {
	h := newTestServer(t, &fakeProcessor{}, nil, func() error {
		return fmt.Errorf("bad recipe")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/admin/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad recipe")
}
