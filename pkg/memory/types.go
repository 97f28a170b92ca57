// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package memory implements the durable document store: append-only
// per-turn directories, the context.md section codec, the memory-node
// corpus, and the turn/research indexes.
//
// The store is the single source of truth. Turns reference strictly
// older turns by ID, never by pointer, so cross-turn cycles cannot
// occur.
package memory

import (
	"time"
)

// SourceType identifies where a memory node came from.
type SourceType string

const (
	SourceTurnSummary   SourceType = "turn_summary"
	SourcePreference    SourceType = "preference"
	SourceFact          SourceType = "fact"
	SourceResearchCache SourceType = "research_cache"
	SourceVisitRecord   SourceType = "visit_record"
	SourceUserQuery     SourceType = "user_query"
)

// ContentType selects the decay parameters for a node.
type ContentType string

const (
	ContentAvailability ContentType = "availability"
	ContentPrice        ContentType = "price"
	ContentProductSpec  ContentType = "product_spec"
	ContentVendorInfo   ContentType = "vendor_info"
	ContentStrategy     ContentType = "strategy"
	ContentSitePattern  ContentType = "site_pattern"
	ContentPreference   ContentType = "preference"
	ContentGeneralFact  ContentType = "general_fact"
)

// Node is one stored memory artifact. Confidence is derived at read
// time from InitialConfidence, CreatedAt, and the content type's decay
// parameters; it is never stored.
type Node struct {
	ID                string      `json:"id"`
	Path              string      `json:"path"`
	UserID            string      `json:"user_id"`
	SourceType        SourceType  `json:"source_type"`
	ContentType       ContentType `json:"content_type"`
	Content           string      `json:"content"`
	InitialConfidence float64     `json:"initial_confidence"`
	CreatedAt         time.Time   `json:"created_at"`
	ValidationCount   int         `json:"validation_count,omitempty"`
	ValidationSuccess int         `json:"validation_success,omitempty"`
	SourceID          string      `json:"source_id,omitempty"`
}

// SectionMeta is the `_meta` block carried by each gathered-context
// section, serialized as a fenced YAML block inside the section body.
type SectionMeta struct {
	SourceType    string   `yaml:"source_type"`
	NodeIDs       []string `yaml:"node_ids"`
	ConfidenceAvg float64  `yaml:"confidence_avg"`
	Provenance    []string `yaml:"provenance"`
}

// TurnMetadata is written to metadata.json when a turn is saved.
type TurnMetadata struct {
	TurnNumber    int       `json:"turn_number"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	Topic         string    `json:"topic"`
	WorkflowsUsed []string  `json:"workflows_used"`
	ClaimsCount   int       `json:"claims_count"`
	QualityScore  float64   `json:"quality_score"`
	ContentType   string    `json:"content_type"`
	Keywords      []string  `json:"keywords"`
}

// StageMetric records one LLM stage invocation for metrics.json.
type StageMetric struct {
	Stage         string        `json:"stage"`
	DurationMS    int64         `json:"duration_ms"`
	TokensIn      int           `json:"tokens_in"`
	TokensOut     int           `json:"tokens_out"`
	ParseStrategy string        `json:"parse_strategy,omitempty"`
	Duration      time.Duration `json:"-"`
}

// TurnMetrics is written to metrics.json when a turn is saved.
type TurnMetrics struct {
	Stages            []StageMetric `json:"stages"`
	ToolsUsed         []string      `json:"tools_used"`
	Decisions         []string      `json:"decisions"`
	ValidationOutcome string        `json:"validation_outcome"`
	TotalTokensIn     int           `json:"total_tokens_in"`
	TotalTokensOut    int           `json:"total_tokens_out"`
}

// TurnRecord is one row of the turn index.
type TurnRecord struct {
	SessionID    string
	UserID       string
	Timestamp    time.Time
	QualityScore float64
	TurnDir      string
	TurnNumber   int
}

// ResearchRecord is one row of the research index. Written only when a
// research workflow ran during the turn.
type ResearchRecord struct {
	PrimaryTopic string
	QualityScore float64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ContentType  string
	TurnDir      string
}
