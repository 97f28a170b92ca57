// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package confidence implements the per-artifact quality model: initial
// scores, exponential decay by content type, universal thresholds, and
// the calibration log that compares predicted confidence with observed
// validation outcomes.
package confidence

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Band classifies a confidence value against the universal thresholds.
// Every consumer (validator, synthesizer, retriever) uses the same bands.
type Band string

const (
	// BandHigh (>= 0.80): state as fact / APPROVE.
	BandHigh Band = "high"
	// BandMedium (0.50-0.79): hedge / REVISE.
	BandMedium Band = "medium"
	// BandLow (0.30-0.49): caveat / RETRY.
	BandLow Band = "low"
	// BandExpired (< 0.30): exclude from use entirely.
	BandExpired Band = "expired"
)

// Universal thresholds shared by every consumer.
const (
	ThresholdHigh    = 0.80
	ThresholdMedium  = 0.50
	ThresholdExpired = 0.30
)

// Classify maps a confidence value onto a band.
func Classify(confidence float64) Band {
	switch {
	case confidence >= ThresholdHigh:
		return BandHigh
	case confidence >= ThresholdMedium:
		return BandMedium
	case confidence >= ThresholdExpired:
		return BandLow
	default:
		return BandExpired
	}
}

// DecayParams describes how confidence for one content type erodes.
type DecayParams struct {
	// Lambda is the per-day decay rate.
	Lambda float64 `yaml:"lambda"`
	// Floor is the asymptotic lower bound; confidence never decays below it.
	Floor float64 `yaml:"floor"`
}

// HalfLife returns the age in days at which the decaying component has
// halved. Returns +Inf for a zero lambda.
func (p DecayParams) HalfLife() float64 {
	if p.Lambda <= 0 {
		return math.Inf(1)
	}
	return math.Ln2 / p.Lambda
}

// Model holds the per-content-type decay table.
type Model struct {
	table   map[string]DecayParams
	fallback DecayParams
}

// defaultTable mirrors the shipped decay configuration. A YAML file can
// override it at startup; the runtime never hard-codes other values.
func defaultTable() map[string]DecayParams {
	return map[string]DecayParams{
		"availability": {Lambda: 0.20, Floor: 0.10},
		"price":        {Lambda: 0.10, Floor: 0.20},
		"product_spec": {Lambda: 0.03, Floor: 0.50},
		"vendor_info":  {Lambda: 0.02, Floor: 0.60},
		"strategy":     {Lambda: 0.02, Floor: 0.50},
		"site_pattern": {Lambda: 0.01, Floor: 0.70},
		"preference":   {Lambda: 0.005, Floor: 0.80},
		"general_fact": {Lambda: 0.005, Floor: 0.80},
	}
}

// NewModel creates a model with the default decay table.
func NewModel() *Model {
	return &Model{
		table:   defaultTable(),
		fallback: DecayParams{Lambda: 0.02, Floor: 0.30},
	}
}

// LoadModel reads a decay table from a YAML file. Entries missing from
// the file keep their defaults; an entry named "default" replaces the
// fallback used for unknown content types.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read decay table: %w", err)
	}

	var raw map[string]DecayParams
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid decay table %s: %w", path, err)
	}

	m := NewModel()
	for contentType, params := range raw {
		if params.Lambda < 0 || params.Floor < 0 || params.Floor > 1 {
			return nil, fmt.Errorf("invalid decay params for %q: lambda=%f floor=%f", contentType, params.Lambda, params.Floor)
		}
		if contentType == "default" {
			m.fallback = params
			continue
		}
		m.table[contentType] = params
	}
	return m, nil
}

// Params returns the decay parameters for a content type, falling back
// to the default entry for unknown types.
func (m *Model) Params(contentType string) DecayParams {
	if p, ok := m.table[contentType]; ok {
		return p
	}
	return m.fallback
}

// Current computes the decayed confidence of an artifact:
//
//	current = floor + (initial - floor) * e^(-lambda * age_days)
//
// The result equals initial at age zero, decreases strictly with age,
// and converges to the content type's floor.
func (m *Model) Current(contentType string, initial float64, createdAt, now time.Time) float64 {
	p := m.Params(contentType)
	if initial <= p.Floor {
		return initial
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return p.Floor + (initial-p.Floor)*math.Exp(-p.Lambda*ageDays)
}

// Eligible reports whether a decayed confidence clears the retrieval
// floor. Nodes below it are excluded from every consumer.
func Eligible(current float64) bool {
	return current >= ThresholdExpired
}

// FromSourceCount assigns confidence to distilled knowledge based on
// how many turns support it. anyApproved marks support by at least one
// approved research result with quality >= 0.80.
func FromSourceCount(sources int, anyApproved bool) float64 {
	switch {
	case sources <= 1:
		return 0.60
	case sources == 2:
		return 0.75
	case anyApproved:
		return 0.85
	default:
		return 0.75
	}
}
