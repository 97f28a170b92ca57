// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/teradata-labs/pandora/pkg/config"
	"github.com/teradata-labs/pandora/pkg/llm"
)

// DefaultConfigFileName is the config file name searched under the data
// directory.
const DefaultConfigFileName = "pandorad"

// Config holds the daemon configuration.
// Priority: CLI flags > config file > env vars > defaults.
type Config struct {
	// DataDir is computed from PANDORA_DATA_DIR or ~/.pandora; it is
	// never read from the config file, which lives inside it.
	DataDir string `mapstructure:"-"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Reflector ReflectorConfig `mapstructure:"reflector"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// GatewayConfig holds the HTTP gateway listen address.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LLMConfig holds the provider endpoints.
type LLMConfig struct {
	// URL is the OpenAI-compatible chat-completions endpoint.
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`

	// EmbeddingURL is the embedding service root. Empty disables the
	// embedding lane; retrieval runs BM25-only.
	EmbeddingURL string `mapstructure:"embedding_url"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	RateLimit llm.RateLimiterConfig `mapstructure:"rate_limit"`
}

// ToolsConfig holds the tool service and permission settings.
type ToolsConfig struct {
	URL string `mapstructure:"url"`

	// SavedRepo is the repository root within which write tools run
	// without an approval round trip.
	SavedRepo string `mapstructure:"saved_repo"`

	EnforceModeGates bool `mapstructure:"enforce_mode_gates"`

	// ApprovalTimeoutSeconds bounds how long a blocked tool call waits
	// for a human decision before it is denied.
	ApprovalTimeoutSeconds int `mapstructure:"approval_timeout_seconds"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ReflectorConfig holds the background reflector settings.
type ReflectorConfig struct {
	// Schedule is a cron spec for due-user sweeps.
	Schedule string `mapstructure:"schedule"`

	// Disabled turns the reflector off entirely.
	Disabled bool `mapstructure:"disabled"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// LoadConfig reads the config file, environment, and defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(pkgconfig.GetDataDir())
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/pandora/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.SetEnvPrefix("PANDORA")
	viper.AutomaticEnv()
	bindEnvAliases()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = pkgconfig.GetDataDir()
	return &cfg, nil
}

// bindEnvAliases binds the unprefixed environment names the deployment
// contract uses alongside the PANDORA_* forms.
func bindEnvAliases() {
	_ = viper.BindEnv("gateway.host", "GATEWAY_HOST")
	_ = viper.BindEnv("gateway.port", "GATEWAY_PORT")
	_ = viper.BindEnv("llm.url", "LLM_URL")
	_ = viper.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = viper.BindEnv("llm.model", "LLM_MODEL")
	_ = viper.BindEnv("llm.embedding_url", "EMBEDDING_URL")
	_ = viper.BindEnv("tools.url", "TOOL_URL")
	_ = viper.BindEnv("tools.saved_repo", "SAVED_REPO")
	_ = viper.BindEnv("tools.enforce_mode_gates", "ENFORCE_MODE_GATES")
	_ = viper.BindEnv("tools.approval_timeout_seconds", "EXTERNAL_REPO_TIMEOUT")
}

func setDefaults() {
	viper.SetDefault("gateway.host", "0.0.0.0")
	viper.SetDefault("gateway.port", 5080)

	viper.SetDefault("llm.timeout_seconds", 120)
	viper.SetDefault("llm.rate_limit.enabled", false)

	viper.SetDefault("tools.enforce_mode_gates", true)
	viper.SetDefault("tools.approval_timeout_seconds", 300)
	viper.SetDefault("tools.timeout_seconds", 300)

	viper.SetDefault("reflector.schedule", "")
	viper.SetDefault("reflector.disabled", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// ApprovalTimeout returns the approval wait as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Tools.ApprovalTimeoutSeconds) * time.Second
}
