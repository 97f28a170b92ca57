// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package embedded ships the default recipes, schemas, workflows, and
// config into the binary so a fresh data directory is usable without a
// separate asset install.
package embedded

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed defaults
var defaultsFS embed.FS

// ExampleConfig returns the example pandorad.yaml.
func ExampleConfig() []byte {
	data, _ := defaultsFS.ReadFile("defaults/pandorad.yaml")
	return data
}

// Materialize copies every default asset into the data directory,
// skipping files that already exist so local edits survive upgrades.
// It returns the number of files written.
func Materialize(dataDir string) (int, error) {
	written := 0
	err := fs.WalkDir(defaultsFS, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel("defaults", path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dataDir, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		// The example config is materialized by `config init` only.
		if rel == "pandorad.yaml" {
			return nil
		}
		if _, statErr := os.Stat(target); statErr == nil {
			return nil
		}
		data, readErr := defaultsFS.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if writeErr := os.WriteFile(target, data, 0o644); writeErr != nil {
			return writeErr
		}
		written++
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("failed to materialize default assets: %w", err)
	}
	return written, nil
}
