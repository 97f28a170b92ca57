// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package reflector is the background distillation worker: it watches
// turn-save signals, runs batch reflection over recent turns, gates the
// proposals, and manages the staged-knowledge lifecycle.
package reflector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/orchestrator"
)

// Signal weights. All pattern detection is code-only; no LLM runs at
// save time.
const (
	weightTopicRepetition = 1.0
	weightUserCorrection  = 2.0
	weightQualityResearch = 1.5
	weightContextRefresh  = 1.0
	weightContradiction   = 2.5

	qualityResearchFloor = 0.85

	triggerTurns   = 10
	triggerUrgency = 5.0

	topicWindow = 10
)

// UserSignals is one user's accumulated state between batches.
type UserSignals struct {
	TurnsSinceBatch int      `json:"turns_since_batch"`
	Urgency         float64  `json:"urgency"`
	RecentTopics    []string `json:"recent_topics"`
	LastBatchTurn   int      `json:"last_batch_turn"`
}

// Accumulator receives turn-save notifications and decides when a user
// is due for a batch. It implements the orchestrator's signal sink.
// State is persisted so urgency survives restarts; the reflector
// consumes a snapshot and resets it in one atomic update.
type Accumulator struct {
	mu        sync.Mutex
	users     map[string]*UserSignals
	statePath string
	logger    *zap.Logger
}

// NewAccumulator creates an accumulator. stateDir is the shared_state
// directory; empty disables persistence.
func NewAccumulator(stateDir string, logger *zap.Logger) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Accumulator{users: make(map[string]*UserSignals), logger: logger}
	if stateDir != "" {
		a.statePath = filepath.Join(stateDir, "reflector_signals.json")
		a.load()
	}
	return a
}

// TurnSaved implements orchestrator.SignalSink.
func (a *Accumulator) TurnSaved(userID string, signals orchestrator.TurnSignals) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.users[userID]
	if !ok {
		s = &UserSignals{}
		a.users[userID] = s
	}
	s.TurnsSinceBatch++

	if signals.Topic != "" {
		for _, topic := range s.RecentTopics {
			if topic == signals.Topic {
				s.Urgency += weightTopicRepetition
				break
			}
		}
		s.RecentTopics = append(s.RecentTopics, signals.Topic)
		if len(s.RecentTopics) > topicWindow {
			s.RecentTopics = s.RecentTopics[len(s.RecentTopics)-topicWindow:]
		}
	}
	if signals.UserCorrection {
		s.Urgency += weightUserCorrection
	}
	if signals.ResearchQuality >= qualityResearchFloor {
		s.Urgency += weightQualityResearch
	}
	if signals.RefreshedContext {
		s.Urgency += weightContextRefresh
	}
	if signals.ContradictionFlag {
		s.Urgency += weightContradiction
	}

	a.persistLocked()
}

// Due reports whether the user has crossed a batch trigger.
func (a *Accumulator) Due(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.users[userID]
	if !ok {
		return false
	}
	return s.TurnsSinceBatch >= triggerTurns || s.Urgency > triggerUrgency
}

// DueUsers lists every user currently past a trigger.
func (a *Accumulator) DueUsers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for userID, s := range a.users {
		if s.TurnsSinceBatch >= triggerTurns || s.Urgency > triggerUrgency {
			out = append(out, userID)
		}
	}
	return out
}

// Consume returns the user's snapshot and resets the accumulated state
// in the same critical section. lastBatchTurn marks where this batch
// left off.
func (a *Accumulator) Consume(userID string, lastBatchTurn int) (UserSignals, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.users[userID]
	if !ok {
		return UserSignals{}, false
	}
	snapshot := *s
	a.users[userID] = &UserSignals{LastBatchTurn: lastBatchTurn}
	a.persistLocked()
	return snapshot, true
}

func (a *Accumulator) persistLocked() {
	if a.statePath == "" {
		return
	}
	data, err := json.MarshalIndent(a.users, "", "  ")
	if err != nil {
		return
	}
	tmp := a.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		a.logger.Warn("Failed to write signal state", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, a.statePath); err != nil {
		a.logger.Warn("Failed to swap signal state", zap.Error(err))
	}
}

func (a *Accumulator) load() {
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		return
	}
	var users map[string]*UserSignals
	if err := json.Unmarshal(data, &users); err != nil {
		a.logger.Warn("Discarding corrupt signal state", zap.Error(err))
		return
	}
	a.users = users
}
