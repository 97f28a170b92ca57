// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/pandora/pkg/llm"
)

// Recipe declares a named stage call: which role executes it, the token
// budgets, the output schema, and the prompt template.
type Recipe struct {
	Name        string  `yaml:"name"`
	Role        string  `yaml:"role"`
	Temperature float64 `yaml:"temperature,omitempty"` // overrides the role default when > 0

	// MaxTokensIn caps the composed prompt; the runner compresses the
	// working document to fit before calling the LLM.
	MaxTokensIn  int `yaml:"max_tokens_in"`
	MaxTokensOut int `yaml:"max_tokens_out"`

	// SchemaName selects the output schema. Empty means free-form text
	// (synthesis stages).
	SchemaName string `yaml:"schema"`

	// PromptPath is the prompt template file, relative to the recipe
	// directory.
	PromptPath string `yaml:"prompt"`

	prompt string
}

// Validate checks the declaration before it enters the registry.
func (r *Recipe) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if _, err := llm.ParseRole(r.Role); err != nil {
		return fmt.Errorf("recipe %s: %w", r.Name, err)
	}
	if r.MaxTokensIn <= 0 {
		return fmt.Errorf("recipe %s: max_tokens_in must be positive", r.Name)
	}
	if r.MaxTokensOut <= 0 {
		return fmt.Errorf("recipe %s: max_tokens_out must be positive", r.Name)
	}
	if r.PromptPath == "" {
		return fmt.Errorf("recipe %s: prompt path is required", r.Name)
	}
	return nil
}

// Prompt returns the loaded prompt template with {{var}} placeholders
// substituted from vars. Unknown placeholders are left intact so they
// surface visibly in the composed prompt.
func (r *Recipe) Prompt(vars map[string]string) string {
	return interpolate(r.prompt, vars)
}

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_.]+)\}\}`)

func interpolate(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.Trim(match, "{}")
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Registry holds the stage recipes, loaded from a directory of YAML
// declarations plus their prompt template files.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	logger  *zap.Logger
	recipes map[string]*Recipe
}

// NewRegistry loads every *.yaml recipe under dir.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{dir: dir, logger: logger, recipes: make(map[string]*Recipe)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the recipe directory. Used at startup and on the
// admin reload signal.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read recipe dir: %w", err)
	}

	recipes := make(map[string]*Recipe)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		recipe, err := r.loadRecipe(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return err
		}
		if _, exists := recipes[recipe.Name]; exists {
			return fmt.Errorf("duplicate recipe %q", recipe.Name)
		}
		recipes[recipe.Name] = recipe
	}

	r.mu.Lock()
	r.recipes = recipes
	r.mu.Unlock()
	r.logger.Info("Loaded stage recipes", zap.Int("count", len(recipes)))
	return nil
}

func (r *Registry) loadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe %s: %w", path, err)
	}
	var recipe Recipe
	if err := yaml.Unmarshal(data, &recipe); err != nil {
		return nil, fmt.Errorf("failed to parse recipe %s: %w", path, err)
	}
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	prompt, err := os.ReadFile(filepath.Join(r.dir, recipe.PromptPath))
	if err != nil {
		return nil, fmt.Errorf("recipe %s: failed to read prompt: %w", recipe.Name, err)
	}
	recipe.prompt = string(prompt)
	return &recipe, nil
}

// Get returns a recipe by name.
func (r *Registry) Get(name string) (*Recipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if recipe, ok := r.recipes[name]; ok {
		return recipe, nil
	}
	return nil, fmt.Errorf("unknown recipe %q", name)
}

// Names lists the registered recipe names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recipes))
	for name := range r.recipes {
		names = append(names, name)
	}
	return names
}
