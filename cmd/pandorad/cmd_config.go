// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/pandora/embedded"
	pandoraconfig "github.com/teradata-labs/pandora/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Pandora configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory with default assets",
	Long: `Write the default recipes, schemas, workflows, decay table, and an
example pandorad.yaml into the data directory. Existing files are left
untouched.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	dataDir := pandoraconfig.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	written, err := embedded.Materialize(dataDir)
	if err != nil {
		return err
	}

	cfgPath := filepath.Join(dataDir, DefaultConfigFileName+".yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, embedded.ExampleConfig(), 0o644); err != nil {
			return err
		}
		written++
	}

	fmt.Printf("Initialized %s (%d files written)\n", dataDir, written)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Printf("data_dir: %s\n", config.DataDir)
	fmt.Printf("gateway: %s:%d\n", config.Gateway.Host, config.Gateway.Port)
	fmt.Printf("llm.url: %s\n", config.LLM.URL)
	fmt.Printf("llm.model: %s\n", config.LLM.Model)
	fmt.Printf("llm.embedding_url: %s\n", config.LLM.EmbeddingURL)
	fmt.Printf("tools.url: %s\n", config.Tools.URL)
	fmt.Printf("tools.saved_repo: %s\n", config.Tools.SavedRepo)
	fmt.Printf("tools.enforce_mode_gates: %t\n", config.Tools.EnforceModeGates)
	fmt.Printf("tools.approval_timeout_seconds: %d\n", config.Tools.ApprovalTimeoutSeconds)
	fmt.Printf("reflector.disabled: %t\n", config.Reflector.Disabled)
	fmt.Printf("logging: %s/%s\n", config.Logging.Level, config.Logging.Format)
	return nil
}
