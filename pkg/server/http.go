// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server exposes the gateway HTTP surface: the turn endpoint,
// the approval queue, the SSE event mirror, and admin reload.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/internal/pubsub"
	"github.com/teradata-labs/pandora/pkg/orchestrator"
	"github.com/teradata-labs/pandora/pkg/tools"
)

const approvalStream = "approvals"

// TurnProcessor is the slice of the orchestrator the gateway needs.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.TurnRequest) *orchestrator.TurnResult
}

// Config wires the gateway server.
type Config struct {
	Host string
	Port int

	Orchestrator TurnProcessor
	Broker       *tools.Broker

	// Reload re-reads recipes, schemas, and workflows. Nil disables the
	// admin endpoint.
	Reload func() error

	Logger *zap.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	events     *sse.Server
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// New creates the gateway server.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	events := sse.New()
	events.AutoReplay = false
	events.CreateStream(approvalStream)

	s := &Server{cfg: cfg, events: events, logger: cfg.Logger}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/turn", s.handleTurn)
	mux.HandleFunc("GET /api/permissions/pending", s.handlePending)
	mux.HandleFunc("POST /api/permissions/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/events", s.events.ServeHTTP)
	if s.cfg.Reload != nil {
		mux.HandleFunc("POST /api/admin/reload", s.handleReload)
	}
	return mux
}

// Start runs the server until Shutdown. The approval event mirror runs
// for the server's lifetime.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.cfg.Broker != nil {
		go s.mirrorApprovals(ctx)
	}

	s.logger.Info("Gateway listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.events.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// mirrorApprovals forwards broker events onto the SSE stream.
func (s *Server) mirrorApprovals(ctx context.Context) {
	for event := range s.cfg.Broker.Events(ctx) {
		name := "approval_created"
		if event.Type == pubsub.DeletedEvent {
			name = "approval_resolved"
		}
		data, err := json.Marshal(event.Payload)
		if err != nil {
			continue
		}
		s.events.Publish(approvalStream, &sse.Event{Event: []byte(name), Data: data})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	result := s.cfg.Orchestrator.ProcessTurn(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Broker == nil {
		writeJSON(w, http.StatusOK, []tools.ApprovalRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Broker.Pending())
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Broker == nil {
		writeError(w, http.StatusNotFound, "no approval broker configured")
		return
	}
	var body struct {
		Decision string `json:"decision"` // approve | deny
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	switch body.Decision {
	case "approve", "deny":
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve or deny")
		return
	}

	id := r.PathValue("id")
	resolved := s.cfg.Broker.Resolve(id, body.Decision == "approve")
	if !resolved {
		writeError(w, http.StatusNotFound, "unknown or already-resolved approval")
		return
	}
	s.logger.Info("Approval resolved",
		zap.String("id", id), zap.String("decision", body.Decision))
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.cfg.Reload(); err != nil {
		s.logger.Error("Admin reload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Configuration reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
