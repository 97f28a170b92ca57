// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	config  *Config
)

var rootCmd = &cobra.Command{
	Use:   "pandorad",
	Short: "Pandora - context-orchestrated LLM pipeline runtime",
	Long: `Pandora runs LLM conversations as explicit turn pipelines: every
turn is analyzed, grounded in retrieved memory, planned, executed, and
validated before a response leaves the process. Turn documents and the
knowledge corpus persist under the data directory.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $PANDORA_DATA_DIR/pandorad.yaml)")

	rootCmd.PersistentFlags().String("host", "0.0.0.0", "gateway listen host")
	rootCmd.PersistentFlags().Int("port", 5080, "gateway listen port")

	rootCmd.PersistentFlags().String("llm-url", "", "OpenAI-compatible LLM endpoint")
	rootCmd.PersistentFlags().String("llm-key", "", "LLM API key (or LLM_API_KEY env)")
	rootCmd.PersistentFlags().String("llm-model", "", "default model name")
	rootCmd.PersistentFlags().String("embedding-url", "", "embedding service endpoint (empty = BM25 only)")

	rootCmd.PersistentFlags().String("tool-url", "", "tool service endpoint")
	rootCmd.PersistentFlags().String("saved-repo", "", "repository root where write tools run without approval")
	rootCmd.PersistentFlags().Bool("enforce-mode-gates", true, "enforce the chat/code mode gate on write tools")
	rootCmd.PersistentFlags().Int("approval-timeout", 300, "seconds to wait for a tool approval before denying")

	rootCmd.PersistentFlags().String("reflector-schedule", "", "cron spec for reflector sweeps (default: @every 5m)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")

	_ = viper.BindPFlag("gateway.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("gateway.port", rootCmd.PersistentFlags().Lookup("port"))

	_ = viper.BindPFlag("llm.url", rootCmd.PersistentFlags().Lookup("llm-url"))
	_ = viper.BindPFlag("llm.api_key", rootCmd.PersistentFlags().Lookup("llm-key"))
	_ = viper.BindPFlag("llm.model", rootCmd.PersistentFlags().Lookup("llm-model"))
	_ = viper.BindPFlag("llm.embedding_url", rootCmd.PersistentFlags().Lookup("embedding-url"))

	_ = viper.BindPFlag("tools.url", rootCmd.PersistentFlags().Lookup("tool-url"))
	_ = viper.BindPFlag("tools.saved_repo", rootCmd.PersistentFlags().Lookup("saved-repo"))
	_ = viper.BindPFlag("tools.enforce_mode_gates", rootCmd.PersistentFlags().Lookup("enforce-mode-gates"))
	_ = viper.BindPFlag("tools.approval_timeout_seconds", rootCmd.PersistentFlags().Lookup("approval-timeout"))

	_ = viper.BindPFlag("reflector.schedule", rootCmd.PersistentFlags().Lookup("reflector-schedule"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
