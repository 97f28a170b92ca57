// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config provides data-directory resolution and the shared
// persisted-layout paths for the Pandora runtime.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// GetDataDir returns the Pandora data directory.
//
// Priority:
// 1. PANDORA_DATA_DIR environment variable (if set and non-empty)
// 2. ~/.pandora (default)
//
// The returned path is always absolute. Tilde (~) is expanded to the
// user's home directory; relative paths are made absolute.
//
// This function reads directly from os.Getenv(), not from viper, to
// avoid a circular dependency during config initialization: the config
// file itself lives inside the data directory.
func GetDataDir() string {
	if dataDir := os.Getenv("PANDORA_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".pandora"
	}
	return filepath.Join(homeDir, ".pandora")
}

// GetSubDir returns a subdirectory within the Pandora data directory.
// Example: GetSubDir("indexes") returns ~/.pandora/indexes
func GetSubDir(subdir string) string {
	return filepath.Join(GetDataDir(), subdir)
}

// Well-known locations under the data directory. The persisted layout
// is part of the external contract; tools inspect these paths directly.
const (
	UsersDirName         = "users"
	IndexesDirName       = "indexes"
	ObservabilityDirName = "observability"
	SharedStateDirName   = "shared_state"
	WorkflowsDirName     = "workflows"
	RecipesDirName       = "recipes"
	SchemasDirName       = "schemas"
)

// UserDir returns the root directory for one user's corpus.
func UserDir(dataDir, userID string) string {
	return filepath.Join(dataDir, UsersDirName, userID)
}

// TurnIndexPath returns the turn index database path.
func TurnIndexPath(dataDir string) string {
	return filepath.Join(dataDir, IndexesDirName, "turn_index.db")
}

// ResearchIndexPath returns the research index database path.
func ResearchIndexPath(dataDir string) string {
	return filepath.Join(dataDir, IndexesDirName, "research_index.db")
}

// CorpusPath returns the shared knowledge-corpus database path.
func CorpusPath(dataDir string) string {
	return filepath.Join(dataDir, IndexesDirName, "corpus.db")
}

// CalibrationPath returns the calibration database path.
func CalibrationPath(dataDir string) string {
	return filepath.Join(dataDir, ObservabilityDirName, "calibration.db")
}

// InterventionSnapshotPath returns the external-inspection snapshot of
// the intervention queue.
func InterventionSnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, SharedStateDirName, "intervention_queue.json")
}

// expandPath expands ~ and resolves to absolute path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}
