// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Registry holds the loaded workflow definitions. Definitions are
// YAML files in one directory; the registry can watch it and hot-reload
// on change.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	logger    *zap.Logger
	workflows map[string]*Workflow

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry loads every *.yaml workflow under dir.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{dir: dir, logger: logger, workflows: make(map[string]*Workflow)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the workflow directory, replacing the registry
// contents atomically. A single bad definition fails the whole reload
// so a half-loaded registry never serves traffic.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflow dir: %w", err)
	}

	workflows := make(map[string]*Workflow)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read workflow %s: %w", e.Name(), err)
		}
		var wf Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("failed to parse workflow %s: %w", e.Name(), err)
		}
		if err := wf.Validate(); err != nil {
			return err
		}
		if _, exists := workflows[wf.Name]; exists {
			return fmt.Errorf("duplicate workflow %q", wf.Name)
		}
		workflows[wf.Name] = &wf
	}

	r.mu.Lock()
	r.workflows = workflows
	r.mu.Unlock()
	r.logger.Info("Loaded workflows", zap.Int("count", len(workflows)))
	return nil
}

// Watch hot-reloads the registry when the directory changes. Reload
// errors keep the previous registry and are logged, not fatal.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create workflow watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch workflow dir: %w", err)
	}
	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		// Editors fire bursts of events per save; debounce them.
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					if err := r.Reload(); err != nil {
						r.logger.Error("Workflow hot reload failed, keeping previous registry", zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Workflow watcher error", zap.Error(err))
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (r *Registry) Close() error {
	if r.done != nil {
		close(r.done)
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Get returns a workflow by name.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if wf, ok := r.workflows[name]; ok {
		return wf, nil
	}
	return nil, fmt.Errorf("unknown workflow %q", name)
}

// All returns every workflow, sorted by name.
func (r *Registry) All() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
