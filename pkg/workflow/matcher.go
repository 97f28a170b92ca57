// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"strings"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"
)

// MinMatchConfidence is the floor below which no workflow matches and
// the caller falls through to the single-tool path.
const MinMatchConfidence = 0.7

// Match is a successful workflow match with captured inputs.
type Match struct {
	Workflow   *Workflow
	Confidence float64
	Tier       string
	Inputs     map[string]string
}

// Classifier is the semantic tier: given a query and candidate
// workflow names, pick one with a confidence. Nil skips the tier.
type Classifier interface {
	Classify(ctx context.Context, query string, candidates []string) (name string, confidence float64, err error)
}

// Matcher resolves a query to a workflow through five tiers, strongest
// first: exact intent, literal phrase, glob pattern with placeholder
// capture, semantic classifier, keyword fallback.
type Matcher struct {
	registry   *Registry
	classifier Classifier
	logger     *zap.Logger
}

// NewMatcher creates a matcher over a registry.
func NewMatcher(registry *Registry, classifier Classifier, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{registry: registry, classifier: classifier, logger: logger}
}

// MatchQuery returns the best match at or above MinMatchConfidence, or
// nil for the single-tool path. Intent is the parsed intent label, if
// query analysis produced one.
func (m *Matcher) MatchQuery(ctx context.Context, intent, query string) *Match {
	workflows := m.registry.All()
	normalized := strings.ToLower(strings.TrimSpace(query))

	// Tier 1: exact intent.
	if intent != "" {
		for _, wf := range workflows {
			for _, candidate := range wf.Triggers.Intents {
				if strings.EqualFold(candidate, intent) {
					return &Match{Workflow: wf, Confidence: 1.0, Tier: "intent", Inputs: map[string]string{}}
				}
			}
		}
	}

	// Tier 2: literal phrase.
	for _, wf := range workflows {
		for _, phrase := range wf.Triggers.Phrases {
			if strings.ToLower(strings.TrimSpace(phrase)) == normalized {
				return &Match{Workflow: wf, Confidence: 0.95, Tier: "phrase", Inputs: map[string]string{}}
			}
		}
	}

	// Tier 3: glob pattern with {placeholder} capture.
	for _, wf := range workflows {
		for _, pattern := range wf.Triggers.Patterns {
			if inputs, ok := matchPattern(pattern, query); ok {
				return &Match{Workflow: wf, Confidence: 0.9, Tier: "pattern", Inputs: inputs}
			}
		}
	}

	// Tier 4: semantic classifier.
	if m.classifier != nil && len(workflows) > 0 {
		names := make([]string, len(workflows))
		for i, wf := range workflows {
			names[i] = wf.Name
		}
		name, conf, err := m.classifier.Classify(ctx, query, names)
		if err != nil {
			m.logger.Warn("Semantic workflow classification failed", zap.Error(err))
		} else if conf >= MinMatchConfidence {
			if wf, err := m.registry.Get(name); err == nil {
				return &Match{Workflow: wf, Confidence: conf, Tier: "semantic", Inputs: map[string]string{}}
			}
		}
	}

	// Tier 5: keyword fallback with fuzzy tolerance.
	if match := m.keywordMatch(workflows, normalized); match != nil {
		return match
	}
	return nil
}

// keywordMatch scores each workflow by the fraction of its trigger
// keywords found (fuzzily) in the query.
func (m *Matcher) keywordMatch(workflows []*Workflow, query string) *Match {
	words := strings.Fields(query)
	var best *Match
	for _, wf := range workflows {
		if len(wf.Triggers.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range wf.Triggers.Keywords {
			if len(fuzzy.Find(strings.ToLower(kw), words)) > 0 {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := float64(hits) / float64(len(wf.Triggers.Keywords))
		if conf < MinMatchConfidence {
			continue
		}
		if best == nil || conf > best.Confidence {
			best = &Match{Workflow: wf, Confidence: conf, Tier: "keyword", Inputs: map[string]string{}}
		}
	}
	return best
}
