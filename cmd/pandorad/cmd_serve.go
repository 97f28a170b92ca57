// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teradata-labs/pandora/embedded"
	ilog "github.com/teradata-labs/pandora/internal/log"
	"github.com/teradata-labs/pandora/pkg/confidence"
	pandoraconfig "github.com/teradata-labs/pandora/pkg/config"
	"github.com/teradata-labs/pandora/pkg/intervention"
	"github.com/teradata-labs/pandora/pkg/llm"
	"github.com/teradata-labs/pandora/pkg/llm/embedding"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/memory/retriever"
	"github.com/teradata-labs/pandora/pkg/observability"
	"github.com/teradata-labs/pandora/pkg/orchestrator"
	"github.com/teradata-labs/pandora/pkg/reflector"
	"github.com/teradata-labs/pandora/pkg/server"
	"github.com/teradata-labs/pandora/pkg/stage"
	"github.com/teradata-labs/pandora/pkg/tools"
	"github.com/teradata-labs/pandora/pkg/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pandora gateway",
	Long: `Start the Pandora runtime: the HTTP gateway, the turn
orchestrator, and the background reflector.

The daemon needs an OpenAI-compatible LLM endpoint (--llm-url or
LLM_URL) and reads recipes, schemas, and workflows from the data
directory. Press Ctrl+C to shut down gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(config.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ilog.SetLogger(logger)

	if config.LLM.URL == "" {
		return fmt.Errorf("LLM endpoint is required (--llm-url or LLM_URL)")
	}

	dataDir := config.DataDir
	for _, sub := range []string{
		pandoraconfig.IndexesDirName,
		pandoraconfig.ObservabilityDirName,
		pandoraconfig.SharedStateDirName,
		pandoraconfig.RecipesDirName,
		pandoraconfig.SchemasDirName,
		pandoraconfig.WorkflowsDirName,
	} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory layout: %w", err)
		}
	}
	if written, err := embedded.Materialize(dataDir); err != nil {
		return err
	} else if written > 0 {
		logger.Info("Seeded default assets", zap.Int("files", written))
	}
	logger.Info("Pandora starting", zap.String("data_dir", dataDir))

	ctx := context.Background()
	tracer := observability.NewLoggingTracer(logger)

	// LLM provider and roles.
	var limiter *llm.RateLimiter
	if config.LLM.RateLimit.Enabled {
		limiter = llm.NewRateLimiter(config.LLM.RateLimit)
	}
	provider, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:     config.LLM.URL,
		APIKey:      config.LLM.APIKey,
		Model:       config.LLM.Model,
		Timeout:     time.Duration(config.LLM.TimeoutSeconds) * time.Second,
		RateLimiter: limiter,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	roles := llm.DefaultRoleMap()

	// Stage plumbing: recipes, schemas, compression, runner.
	recipes, err := stage.NewRegistry(filepath.Join(dataDir, pandoraconfig.RecipesDirName), logger)
	if err != nil {
		return fmt.Errorf("failed to load recipes: %w", err)
	}
	schemas, err := stage.NewSchemaRegistry(filepath.Join(dataDir, pandoraconfig.SchemasDirName))
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}
	compressor, err := stage.NewCompressor(provider, roles, logger)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	runner, err := stage.NewRunner(stage.RunnerConfig{
		Recipes:    recipes,
		Schemas:    schemas,
		Provider:   provider,
		Roles:      roles,
		Compressor: compressor,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create stage runner: %w", err)
	}
	systemPrompt := loadSystemPrompt(dataDir, logger)

	// Persistence: document store, corpus, indexes, calibration.
	store, err := memory.NewStore(dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	corpus, err := memory.NewCorpus(ctx, pandoraconfig.CorpusPath(dataDir), logger)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer func() { _ = corpus.Close() }()

	turnIndex, err := memory.NewTurnIndex(ctx, pandoraconfig.TurnIndexPath(dataDir), logger)
	if err != nil {
		return fmt.Errorf("failed to open turn index: %w", err)
	}
	defer func() { _ = turnIndex.Close() }()

	researchIndex, err := memory.NewResearchIndex(ctx, pandoraconfig.ResearchIndexPath(dataDir), logger)
	if err != nil {
		return fmt.Errorf("failed to open research index: %w", err)
	}
	defer func() { _ = researchIndex.Close() }()

	calibration, err := confidence.NewCalibrationStore(ctx, pandoraconfig.CalibrationPath(dataDir), logger)
	if err != nil {
		return fmt.Errorf("failed to open calibration store: %w", err)
	}
	defer func() { _ = calibration.Close() }()

	model, err := loadDecayModel(dataDir, logger)
	if err != nil {
		return err
	}

	// Retrieval. The embedding lane is optional.
	var embedder retriever.Embedder
	if config.LLM.EmbeddingURL != "" {
		embedder = embedding.NewClient(embedding.Config{BaseURL: config.LLM.EmbeddingURL})
	}
	retr := retriever.New(corpus, store, model,
		orchestrator.NewStageTermPlanner(runner, systemPrompt), embedder,
		retriever.Config{}, tracer, logger)

	// Workflows and tools.
	workflows, err := workflow.NewRegistry(filepath.Join(dataDir, pandoraconfig.WorkflowsDirName), logger)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	if err := workflows.Watch(); err != nil {
		logger.Warn("Workflow hot-reload unavailable", zap.Error(err))
	}
	matcher := workflow.NewMatcher(workflows,
		orchestrator.NewStageClassifier(runner, systemPrompt), logger)

	gate := tools.NewGate(tools.GateConfig{
		SavedRepo:        config.Tools.SavedRepo,
		EnforceModeGates: config.Tools.EnforceModeGates,
	}, logger)
	broker := tools.NewBroker(config.ApprovalTimeout(), logger)

	var toolClient *tools.Client
	if config.Tools.URL != "" {
		toolClient, err = tools.NewClient(tools.ClientConfig{
			BaseURL: config.Tools.URL,
			Timeout: time.Duration(config.Tools.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create tool client: %w", err)
		}
	} else {
		logger.Warn("No tool service configured, executor commands will fail")
	}

	queue := intervention.NewQueue(filepath.Join(dataDir, pandoraconfig.SharedStateDirName), logger)
	signals := reflector.NewAccumulator(filepath.Join(dataDir, pandoraconfig.SharedStateDirName), logger)

	orch, err := orchestrator.New(orchestrator.Config{
		Runner:       runner,
		Retriever:    retr,
		Matcher:      matcher,
		Workflows:    workflows,
		ToolClient:   toolClient,
		Gate:         gate,
		Broker:       broker,
		Queue:        queue,
		Store:        store,
		Corpus:       corpus,
		TurnIndex:    turnIndex,
		Research:     researchIndex,
		Calibration:  calibration,
		Signals:      signals,
		Tracer:       tracer,
		Logger:       logger,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// Background reflector.
	var scheduler *reflector.Scheduler
	if !config.Reflector.Disabled {
		refl := reflector.New(store, corpus, runner, signals,
			reflector.Config{}, systemPrompt, tracer, logger)
		scheduler, err = reflector.NewScheduler(refl, signals, config.Reflector.Schedule, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	reload := func() error {
		if err := recipes.Reload(); err != nil {
			return err
		}
		if err := schemas.Reload(); err != nil {
			return err
		}
		return workflows.Reload()
	}

	srv, err := server.New(server.Config{
		Host:         config.Gateway.Host,
		Port:         config.Gateway.Port,
		Orchestrator: orch,
		Broker:       broker,
		Reload:       reload,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadSystemPrompt reads the shared system message. Missing is fine;
// stages then run without one.
func loadSystemPrompt(dataDir string, logger *zap.Logger) string {
	path := filepath.Join(dataDir, pandoraconfig.RecipesDirName, "system.md")
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("No system prompt found", zap.String("path", path))
		return ""
	}
	return string(data)
}

// loadDecayModel reads the decay table override, falling back to the
// built-in table.
func loadDecayModel(dataDir string, logger *zap.Logger) (*confidence.Model, error) {
	path := filepath.Join(dataDir, "decay.yaml")
	if _, err := os.Stat(path); err != nil {
		return confidence.NewModel(), nil
	}
	model, err := confidence.LoadModel(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load decay table: %w", err)
	}
	logger.Info("Loaded decay table override", zap.String("path", path))
	return model, nil
}

func buildLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
