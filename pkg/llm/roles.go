// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import "fmt"

// Role is a labeled (temperature, model-capacity) tuple. The mapping
// from role to concrete model and temperature is configuration; the
// defaults below ship with the runtime.
type Role string

const (
	// RoleReflex is fast and near-deterministic: search-term extraction,
	// turn summaries, classification.
	RoleReflex Role = "REFLEX"
	// RoleMind is balanced reasoning: analysis, planning, validation,
	// batch distillation.
	RoleMind Role = "MIND"
	// RoleVoice is the natural user-facing register: synthesis.
	RoleVoice Role = "VOICE"
	// RoleNerves is the compression role invoked when a composed prompt
	// exceeds its stage budget.
	RoleNerves Role = "NERVES"
)

// RoleParams binds a role to a model and temperature.
type RoleParams struct {
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// RoleMap resolves roles to parameters.
type RoleMap map[Role]RoleParams

// DefaultRoleMap returns the shipped role table. Model is left empty,
// deferring to the provider's configured default.
func DefaultRoleMap() RoleMap {
	return RoleMap{
		RoleReflex: {Temperature: 0.3},
		RoleMind:   {Temperature: 0.6},
		RoleVoice:  {Temperature: 0.7},
		RoleNerves: {Temperature: 0.3},
	}
}

// ParseRole validates a role name from configuration.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleReflex, RoleMind, RoleVoice, RoleNerves:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown LLM role %q", s)
}

// Resolve returns the parameters for a role.
func (m RoleMap) Resolve(role Role) (RoleParams, error) {
	if p, ok := m[role]; ok {
		return p, nil
	}
	return RoleParams{}, fmt.Errorf("unknown LLM role %q", role)
}
