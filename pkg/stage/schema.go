// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package stage implements the LLM stage runner: named recipes, the
// composed-prompt budget enforcement, and the forgiving output parser.
package stage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a named, compiled JSON schema for stage outputs. The raw
// document is retained for the semantic-extraction and default-object
// parser strategies.
type Schema struct {
	Name     string
	raw      map[string]any
	compiled *gojsonschema.Schema
}

// NewSchema compiles a schema from its JSON source.
func NewSchema(name string, source []byte) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal(source, &raw); err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", name, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, raw: raw, compiled: compiled}, nil
}

// Validate checks data against the schema.
func (s *Schema) Validate(data map[string]any) error {
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var issues []string
		for _, e := range result.Errors() {
			issues = append(issues, e.String())
		}
		return fmt.Errorf("output does not satisfy schema %s: %s", s.Name, strings.Join(issues, "; "))
	}
	return nil
}

// Properties returns the schema's top-level property names, sorted for
// deterministic extraction order.
func (s *Schema) Properties() []string {
	props, ok := s.raw["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults builds the schema-defaulted object: every property carrying
// a "default" value contributes it. Returns nil when the schema defines
// no defaults at all.
func (s *Schema) Defaults() map[string]any {
	props, ok := s.raw["properties"].(map[string]any)
	if !ok {
		return nil
	}
	defaults := make(map[string]any)
	for name, spec := range props {
		specMap, ok := spec.(map[string]any)
		if !ok {
			continue
		}
		if d, ok := specMap["default"]; ok {
			defaults[name] = d
		}
	}
	if len(defaults) == 0 {
		return nil
	}
	return defaults
}

// SchemaRegistry holds the named output schemas, loaded at startup and
// reloadable on an explicit admin signal.
type SchemaRegistry struct {
	mu      sync.RWMutex
	dir     string
	schemas map[string]*Schema
}

// NewSchemaRegistry loads every *.json schema in dir.
func NewSchemaRegistry(dir string) (*SchemaRegistry, error) {
	r := &SchemaRegistry{dir: dir, schemas: make(map[string]*Schema)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the schema directory.
func (r *SchemaRegistry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read schema dir: %w", err)
	}

	schemas := make(map[string]*Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		source, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		schema, err := NewSchema(name, source)
		if err != nil {
			return err
		}
		schemas[name] = schema
	}

	r.mu.Lock()
	r.schemas = schemas
	r.mu.Unlock()
	return nil
}

// Get returns a schema by name.
func (r *SchemaRegistry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown schema %q", name)
}
