// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package intervention holds the per-session mid-turn message queue
// and the active-turn lock. A message arriving while a turn is running
// lands here; the orchestrator polls between stages and before tools.
package intervention

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies an intervention on receipt.
type Kind string

const (
	KindCancel   Kind = "cancel"
	KindGuide    Kind = "guide"
	KindRedirect Kind = "redirect"
)

// cancelPhrases is the exact-match cancel list, compared lowercased
// and trimmed.
var cancelPhrases = map[string]bool{
	"cancel":     true,
	"stop":       true,
	"nevermind":  true,
	"never mind": true,
	"abort":      true,
	"forget it":  true,
}

var (
	skipRe  = regexp.MustCompile(`(?i)^skip\s+(.+)$`)
	focusRe = regexp.MustCompile(`(?i)^focus\s+on\s+(.+)$`)
	alsoRe  = regexp.MustCompile(`(?i)^also\s+check\s+(.+)$`)
)

// Classify maps a raw message to its intervention kind.
func Classify(text string) Kind {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if cancelPhrases[normalized] {
		return KindCancel
	}
	if skipRe.MatchString(normalized) || focusRe.MatchString(normalized) || alsoRe.MatchString(normalized) {
		return KindGuide
	}
	return KindRedirect
}

// Adjustment is a structured guidance parsed from a guide message.
type Adjustment struct {
	Kind  string `json:"kind"` // skip_vendor | focus_query | add_vendor | guidance
	Value string `json:"value"`
}

// ParseGuidance turns a guide/redirect message into an adjustment the
// next stage can apply. Unrecognized text passes through opaque.
func ParseGuidance(text string) Adjustment {
	trimmed := strings.TrimSpace(text)
	if m := skipRe.FindStringSubmatch(trimmed); m != nil {
		return Adjustment{Kind: "skip_vendor", Value: strings.TrimSpace(m[1])}
	}
	if m := focusRe.FindStringSubmatch(trimmed); m != nil {
		return Adjustment{Kind: "focus_query", Value: strings.TrimSpace(m[1])}
	}
	if m := alsoRe.FindStringSubmatch(trimmed); m != nil {
		return Adjustment{Kind: "add_vendor", Value: strings.TrimSpace(m[1])}
	}
	return Adjustment{Kind: "guidance", Value: trimmed}
}

// Intervention is one queued record. Error records carry ErrorType.
type Intervention struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text"`
	ErrorType  string    `json:"error_type,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Consumed   bool      `json:"consumed"`
}

// sessionState is one session's live turn.
type sessionState struct {
	TurnID     string         `json:"turn_id"`
	Phase      string         `json:"phase"`
	StartedAt  time.Time      `json:"started_at"`
	Injections []Intervention `json:"injections"`
	Cancelled  bool           `json:"cancelled"`
}

// Backpressure caps. Over-cap writes go to the emergency log and merge
// into an open entry instead of blocking the main flow.
const (
	maxTotal        = 50
	maxPerSession   = 5
	maxPerErrorType = 10
)

// Queue is the process-wide intervention store, one state per active
// session, created lazily and cleared on EndTurn.
type Queue struct {
	mu           sync.Mutex
	sessions     map[string]*sessionState
	snapshotPath string
	emergencyLog string
	logger       *zap.Logger
}

// NewQueue creates a queue. snapshotDir is the shared_state directory
// for the external-inspection snapshot; empty disables snapshots.
func NewQueue(snapshotDir string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{sessions: make(map[string]*sessionState), logger: logger}
	if snapshotDir != "" {
		q.snapshotPath = filepath.Join(snapshotDir, "intervention_queue.json")
		q.emergencyLog = filepath.Join(snapshotDir, "intervention_emergency.log")
	}
	return q
}

// BeginTurn takes the session's active-turn lock. Returns false when a
// turn is already running, in which case the caller routes the message
// to Inject instead.
func (q *Queue) BeginTurn(sessionID, turnID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, active := q.sessions[sessionID]; active {
		return false
	}
	q.sessions[sessionID] = &sessionState{TurnID: turnID, StartedAt: time.Now()}
	q.snapshotLocked()
	return true
}

// Active reports whether the session has a running turn.
func (q *Queue) Active(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, active := q.sessions[sessionID]
	return active
}

// SetPhase records the turn's current phase for external inspection.
func (q *Queue) SetPhase(sessionID, phase string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.sessions[sessionID]; ok {
		s.Phase = phase
	}
}

// Inject classifies and stores a mid-turn message. Cancel flips the
// cancelled flag; everything else queues as an injection subject to the
// backpressure caps.
func (q *Queue) Inject(sessionID, text string) Kind {
	kind := Classify(text)

	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionID]
	if !ok {
		// No active turn; nothing to attach to. Callers check Active
		// first, this is a late-arrival race.
		return kind
	}
	if kind == KindCancel {
		s.Cancelled = true
		q.snapshotLocked()
		return kind
	}

	q.addLocked(s, Intervention{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		TurnID:     s.TurnID,
		Kind:       kind,
		Text:       text,
		ReceivedAt: time.Now(),
	})
	return kind
}

// RecordError queues an error record for the session, honoring the
// per-error-type cap.
func (q *Queue) RecordError(sessionID, errorType, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionID]
	if !ok {
		return
	}
	q.addLocked(s, Intervention{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		TurnID:     s.TurnID,
		Kind:       KindRedirect,
		Text:       text,
		ErrorType:  errorType,
		ReceivedAt: time.Now(),
	})
}

// addLocked enforces the caps. Over-cap entries merge into an existing
// open entry for the same session/error type and go to the emergency
// log; the caller is never blocked.
func (q *Queue) addLocked(s *sessionState, item Intervention) {
	if q.overCapLocked(s, item) {
		q.emergency(item)
		for i := range s.Injections {
			open := &s.Injections[i]
			if !open.Consumed && open.ErrorType == item.ErrorType {
				open.Text = open.Text + "\n" + item.Text
				q.snapshotLocked()
				return
			}
		}
		return
	}
	s.Injections = append(s.Injections, item)
	q.snapshotLocked()
}

func (q *Queue) overCapLocked(s *sessionState, item Intervention) bool {
	unconsumedSession := 0
	for _, inj := range s.Injections {
		if !inj.Consumed {
			unconsumedSession++
		}
	}
	if unconsumedSession >= maxPerSession {
		return true
	}

	total := 0
	perType := 0
	for _, state := range q.sessions {
		for _, inj := range state.Injections {
			if inj.Consumed {
				continue
			}
			total++
			if item.ErrorType != "" && inj.ErrorType == item.ErrorType {
				perType++
			}
		}
	}
	return total >= maxTotal || (item.ErrorType != "" && perType >= maxPerErrorType)
}

// Poll atomically returns the cancel flag and all unconsumed messages,
// marking them consumed.
func (q *Queue) Poll(sessionID string) (bool, []Intervention) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionID]
	if !ok {
		return false, nil
	}
	var out []Intervention
	for i := range s.Injections {
		if s.Injections[i].Consumed {
			continue
		}
		s.Injections[i].Consumed = true
		out = append(out, s.Injections[i])
	}
	if len(out) > 0 {
		q.snapshotLocked()
	}
	return s.Cancelled, out
}

// EndTurn releases the session's active-turn lock. It always runs on
// orchestrator exit, failure included.
func (q *Queue) EndTurn(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, sessionID)
	q.snapshotLocked()
}

// snapshotLocked writes the external-inspection JSON. Failures are
// logged and ignored; the snapshot is advisory.
func (q *Queue) snapshotLocked() {
	if q.snapshotPath == "" {
		return
	}
	data, err := json.MarshalIndent(q.sessions, "", "  ")
	if err != nil {
		q.logger.Warn("Failed to marshal intervention snapshot", zap.Error(err))
		return
	}
	if err := os.WriteFile(q.snapshotPath, data, 0o644); err != nil {
		q.logger.Warn("Failed to write intervention snapshot", zap.Error(err))
	}
}

func (q *Queue) emergency(item Intervention) {
	q.logger.Warn("Intervention queue over cap, writing to emergency log",
		zap.String("session_id", item.SessionID),
		zap.String("error_type", item.ErrorType))
	if q.emergencyLog == "" {
		return
	}
	line, err := json.Marshal(item)
	if err != nil {
		return
	}
	f, err := os.OpenFile(q.emergencyLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		q.logger.Warn("Failed to open emergency log", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintln(f, string(line))
}
