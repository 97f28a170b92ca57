// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Store owns the per-user persisted layout:
//
//	users/{user_id}/
//	  turns/turn_{NNNNNN}/   context.md, response.md, metadata.json, ...
//	  preferences.md
//	  Knowledge/             promoted facts/concepts/patterns
//	  Knowledge_staging/     invisible to the retriever
//	  Logs/reflector/        per-batch JSON
//
// All writes go through the store; turn directories are append-only.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *zap.Logger
}

// SavedTurn bundles everything the save pipeline persists for one turn.
type SavedTurn struct {
	TurnNumber  int
	SessionID   string
	Document    *TurnDocument
	Response    string
	Metadata    TurnMetadata
	Metrics     TurnMetrics
	PlanState   json.RawMessage // optional
	ToolResults string          // optional, full tool outputs
}

// NewStore creates a document store rooted at the data directory.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "users"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the data directory the store was created with.
func (s *Store) Root() string {
	return s.root
}

// UserDir returns the root of one user's corpus, creating it on first use.
func (s *Store) UserDir(userID string) (string, error) {
	dir := filepath.Join(s.root, "users", userID)
	for _, sub := range []string{"turns", "Knowledge", "Knowledge_staging", filepath.Join("Logs", "reflector")} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("failed to create user dir: %w", err)
		}
	}
	return dir, nil
}

// TurnDirName formats the canonical turn directory name.
func TurnDirName(turnNumber int) string {
	return fmt.Sprintf("turn_%06d", turnNumber)
}

// NextTurnNumber returns one past the highest existing turn number for
// the user, starting at 1 for a fresh corpus.
func (s *Store) NextTurnNumber(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userDir, err := s.UserDir(userID)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(filepath.Join(userDir, "turns"))
	if err != nil {
		return 0, fmt.Errorf("failed to list turns: %w", err)
	}

	max := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "turn_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "turn_"))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// SaveTurn writes a completed turn directory. Any write failure is
// fatal to the save: partially written directories are reported, never
// silently patched.
func (s *Store) SaveTurn(userID string, turn SavedTurn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userDir, err := s.UserDir(userID)
	if err != nil {
		return "", err
	}
	turnDir := filepath.Join(userDir, "turns", TurnDirName(turn.TurnNumber))
	if _, err := os.Stat(turnDir); err == nil {
		return "", fmt.Errorf("turn directory %s already exists; turns are append-only", turnDir)
	}
	if err := os.MkdirAll(turnDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create turn dir: %w", err)
	}

	metadata, err := json.MarshalIndent(turn.Metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metrics, err := json.MarshalIndent(turn.Metrics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics: %w", err)
	}

	writeFile := func(name string, data []byte) error {
		if err := os.WriteFile(filepath.Join(turnDir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		return nil
	}
	if err := writeFile("context.md", []byte(turn.Document.Render())); err != nil {
		return "", err
	}
	if err := writeFile("response.md", []byte(turn.Response)); err != nil {
		return "", err
	}
	if err := writeFile("metadata.json", metadata); err != nil {
		return "", err
	}
	if err := writeFile("metrics.json", metrics); err != nil {
		return "", err
	}
	if len(turn.PlanState) > 0 {
		if err := writeFile("plan_state.json", turn.PlanState); err != nil {
			return "", err
		}
	}
	if turn.ToolResults != "" {
		if err := writeFile("toolresults.md", []byte(turn.ToolResults)); err != nil {
			return "", err
		}
	}

	s.logger.Info("Saved turn",
		zap.String("user_id", userID),
		zap.Int("turn_number", turn.TurnNumber),
		zap.String("dir", turnDir))
	return turnDir, nil
}

// ReadTurnContext reads a turn's context.md.
func (s *Store) ReadTurnContext(userID string, turnNumber int) (string, error) {
	path := filepath.Join(s.root, "users", userID, "turns", TurnDirName(turnNumber), "context.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read turn context: %w", err)
	}
	return string(data), nil
}

// ReadTurnResponse reads a turn's response.md.
func (s *Store) ReadTurnResponse(userID string, turnNumber int) (string, error) {
	path := filepath.Join(s.root, "users", userID, "turns", TurnDirName(turnNumber), "response.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read turn response: %w", err)
	}
	return string(data), nil
}

// ReadTurnMetadata reads a turn's metadata.json.
func (s *Store) ReadTurnMetadata(userID string, turnNumber int) (TurnMetadata, error) {
	path := filepath.Join(s.root, "users", userID, "turns", TurnDirName(turnNumber), "metadata.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return TurnMetadata{}, fmt.Errorf("failed to read turn metadata: %w", err)
	}
	var meta TurnMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return TurnMetadata{}, fmt.Errorf("failed to parse turn metadata: %w", err)
	}
	return meta, nil
}

// TurnSummary extracts the turn-summary appendix from a saved turn.
// Returns ok=false when the turn or its appendix does not exist.
func (s *Store) TurnSummary(userID string, turnNumber int) (string, bool) {
	text, err := s.ReadTurnContext(userID, turnNumber)
	if err != nil {
		return "", false
	}
	doc, err := ParseDocument(TurnDirName(turnNumber), text)
	if err != nil {
		return "", false
	}
	summary := doc.SectionText(SectionSummaryAppendix)
	return summary, summary != ""
}

// LatestTurnNumber returns the highest saved turn number, or 0.
func (s *Store) LatestTurnNumber(userID string) (int, error) {
	next, err := s.NextTurnNumber(userID)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// RecentTurnNumbers returns up to limit turn numbers, newest first.
func (s *Store) RecentTurnNumbers(userID string, limit int) ([]int, error) {
	userDir, err := s.UserDir(userID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(userDir, "turns"))
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}

	var nums []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "turn_") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "turn_")); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	if limit > 0 && len(nums) > limit {
		nums = nums[:limit]
	}
	return nums, nil
}

// PreferencesPath returns the user's preferences file path. The file
// may not exist yet; callers handle absence.
func (s *Store) PreferencesPath(userID string) string {
	return filepath.Join(s.root, "users", userID, "preferences.md")
}

// ReadPreferences reads the user's preferences file. Returns ok=false
// when no preferences have been recorded.
func (s *Store) ReadPreferences(userID string) (string, bool) {
	data, err := os.ReadFile(s.PreferencesPath(userID))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// KnowledgeDir returns the user's promoted-knowledge directory.
func (s *Store) KnowledgeDir(userID string) string {
	return filepath.Join(s.root, "users", userID, "Knowledge")
}

// StagingDir returns the user's staged-knowledge directory. Its
// contents are invisible to the retriever until promoted.
func (s *Store) StagingDir(userID string) string {
	return filepath.Join(s.root, "users", userID, "Knowledge_staging")
}

// ReflectorLogDir returns the per-batch JSON log directory.
func (s *Store) ReflectorLogDir(userID string) string {
	return filepath.Join(s.root, "users", userID, "Logs", "reflector")
}
