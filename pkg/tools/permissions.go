// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package tools executes single tool calls against the external tool
// service, behind a three-layer permission gate: mode, repository
// scope, and interactive approval.
package tools

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/fault"
)

// Mode selects the tool surface: chat is read-only, code adds the
// write/execute set.
type Mode string

const (
	ModeChat Mode = "chat"
	ModeCode Mode = "code"
)

// ParseMode validates a mode string, defaulting empty to chat.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeChat, ModeCode:
		return Mode(s), nil
	case "":
		return ModeChat, nil
	}
	return "", fault.Newf(fault.ConfigError, "", "unknown mode %q", s)
}

// writeSet lists the tools denied in chat mode. The tool service
// enforces the same set independently from the mode header.
var writeSet = map[string]bool{
	"file.write":   true,
	"file.edit":    true,
	"file.create":  true,
	"file.delete":  true,
	"git.add":      true,
	"git.commit":   true,
	"git.push":     true,
	"git.reset":    true,
	"bash.execute": true,
	"bash.kill":    true,
	"test.run":     true,
}

// IsWriteTool reports whether a tool belongs to the write set.
func IsWriteTool(tool string) bool {
	return writeSet[tool]
}

// Decision is a permission outcome.
type Decision string

const (
	DecisionAllow         Decision = "allow"
	DecisionDeny          Decision = "deny"
	DecisionNeedsApproval Decision = "needs_approval"
)

// GateConfig configures the permission gate.
type GateConfig struct {
	// SavedRepo is the repository root within which write tools run
	// without approval. Empty means nothing is in scope.
	SavedRepo string

	// EnforceModeGates keeps the mode gate on. Turning it off is a
	// development escape hatch only; the tool service still checks the
	// mode header.
	EnforceModeGates bool
}

// Gate applies the mode and repository-scope layers. The approval
// layer lives in the Broker; the executor chains them.
type Gate struct {
	config GateConfig
	logger *zap.Logger
}

// NewGate creates a permission gate.
func NewGate(config GateConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{config: config, logger: logger}
}

// Check runs the mode and scope layers for one tool call. targetPath
// is the path the tool operates on, empty when the tool is pathless.
func (g *Gate) Check(ctx context.Context, mode Mode, tool, targetPath string) Decision {
	if !writeSet[tool] {
		return DecisionAllow
	}

	// Layer 1: mode gate.
	if g.config.EnforceModeGates && mode != ModeCode {
		g.logger.Info("Mode gate denied write tool",
			zap.String("tool", tool),
			zap.String("mode", string(mode)))
		return DecisionDeny
	}

	// Layer 2: repository scope.
	if g.inScope(targetPath) {
		return DecisionAllow
	}
	return DecisionNeedsApproval
}

func (g *Gate) inScope(targetPath string) bool {
	if g.config.SavedRepo == "" || targetPath == "" {
		return false
	}
	repo := filepath.Clean(g.config.SavedRepo)
	target := filepath.Clean(targetPath)
	if !filepath.IsAbs(target) {
		target = filepath.Join(repo, target)
	}
	rel, err := filepath.Rel(repo, target)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
