// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package workflow loads, matches, and executes declarative tool
// workflows. A workflow is a named, parameterized sequence of tool
// steps with success criteria and a fallback.
package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// Workflow is one declarative workflow definition.
type Workflow struct {
	Name        string   `yaml:"name"`
	Version     int      `yaml:"version"`
	Category    string   `yaml:"category"`
	Description string   `yaml:"description"`
	Triggers    Triggers `yaml:"triggers"`
	Inputs      Inputs   `yaml:"inputs"`
	Outputs     []string `yaml:"outputs"`
	Steps       []Step   `yaml:"steps"`

	// SuccessCriteria are evaluated as a conjunction after the last step.
	SuccessCriteria []string `yaml:"success_criteria"`
	Fallback        Fallback `yaml:"fallback"`

	// Bootstrap workflows ship with the system and are excluded from
	// self-created workflow listings.
	Bootstrap bool `yaml:"bootstrap"`
}

// Triggers declares how a workflow is matched, one field per tier.
type Triggers struct {
	Intents  []string `yaml:"intents"`
	Phrases  []string `yaml:"phrases"`
	Patterns []string `yaml:"patterns"` // glob with {placeholder} capture
	Keywords []string `yaml:"keywords"`
}

// Inputs declares the workflow's parameter contract.
type Inputs struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// Step is one tool invocation inside a workflow.
type Step struct {
	Name string            `yaml:"name"`
	Tool string            `yaml:"tool"`
	Args map[string]string `yaml:"args"`

	// Output names the variable the step result is bound to.
	Output string `yaml:"output"`
}

// Fallback describes what happens when success criteria fail.
type Fallback struct {
	Workflow string `yaml:"workflow"`
	Message  string `yaml:"message"`
}

// Validate checks the definition at load time.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Name)
	}
	seen := make(map[string]bool)
	for i, step := range w.Steps {
		if step.Tool == "" {
			return fmt.Errorf("workflow %s step %d has no tool", w.Name, i)
		}
		if step.Name == "" {
			return fmt.Errorf("workflow %s step %d has no name", w.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow %s has duplicate step %q", w.Name, step.Name)
		}
		seen[step.Name] = true
	}
	if w.Fallback.Workflow == w.Name && w.Fallback.Workflow != "" {
		return fmt.Errorf("workflow %s falls back to itself", w.Name)
	}
	for _, p := range w.Triggers.Patterns {
		if _, err := compilePattern(p); err != nil {
			return fmt.Errorf("workflow %s: %w", w.Name, err)
		}
	}
	return nil
}

// MissingInputs returns required inputs absent from the given set.
func (w *Workflow) MissingInputs(inputs map[string]string) []string {
	var missing []string
	for _, name := range w.Inputs.Required {
		if strings.TrimSpace(inputs[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

var interpolateRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_.]+)\}\}`)

// Interpolate substitutes {{var}} placeholders from the variable bag.
// Unknown placeholders become empty strings so criteria like
// "{{x}} != ''" evaluate meaningfully.
func Interpolate(template string, bag map[string]string) string {
	return interpolateRe.ReplaceAllStringFunc(template, func(match string) string {
		return bag[strings.Trim(match, "{}")]
	})
}

var placeholderCaptureRe = regexp.MustCompile(`\\\{([a-zA-Z0-9_]+)\\\}`)

// compilePattern turns a glob trigger like "research {topic} for me"
// into a regexp with named capture groups. "*" matches any run of
// characters.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(pattern)))
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = placeholderCaptureRe.ReplaceAllString(escaped, `(?P<$1>.+?)`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid trigger pattern %q: %w", pattern, err)
	}
	return re, nil
}

// matchPattern applies a compiled trigger pattern and extracts the
// {placeholder} captures as inputs.
func matchPattern(pattern, query string) (map[string]string, bool) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, false
	}
	m := re.FindStringSubmatch(strings.ToLower(strings.TrimSpace(query)))
	if m == nil {
		return nil, false
	}
	inputs := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			inputs[name] = strings.TrimSpace(m[i])
		}
	}
	return inputs, true
}
