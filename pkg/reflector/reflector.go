// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/memory/retriever"
	"github.com/teradata-labs/pandora/pkg/observability"
	"github.com/teradata-labs/pandora/pkg/stage"
)

// RecipeReflect is the MIND-role batch distillation recipe.
const RecipeReflect = "reflect"

const stagingPrefix = "Knowledge_staging/"

// Config tunes the reflector. Zero values take the documented defaults.
type Config struct {
	BatchSize          int           // turns per batch, default 10
	PromotionThreshold int           // re-observations before promotion, default 2
	StagingTTL         time.Duration // staged-item lifetime, default 30 days
	KnownSimilarity    float64       // "already known" rejection floor, default 0.8
	PromoteSimilarity  float64       // re-observation match floor, default 0.7
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = 2
	}
	if c.StagingTTL <= 0 {
		c.StagingTTL = 30 * 24 * time.Hour
	}
	if c.KnownSimilarity <= 0 {
		c.KnownSimilarity = 0.8
	}
	if c.PromoteSimilarity <= 0 {
		c.PromoteSimilarity = 0.7
	}
}

// Reflector runs batch reflection for one deployment. It never touches
// the hot path; a panicking batch is recovered and logged.
type Reflector struct {
	store   *memory.Store
	corpus  *memory.Corpus
	runner  *stage.Runner
	signals *Accumulator
	config  Config
	system  string
	tracer  observability.Tracer
	logger  *zap.Logger
}

// New creates a reflector.
func New(store *memory.Store, corpus *memory.Corpus, runner *stage.Runner,
	signals *Accumulator, config Config, system string,
	tracer observability.Tracer, logger *zap.Logger) *Reflector {

	config.applyDefaults()
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{
		store:   store,
		corpus:  corpus,
		runner:  runner,
		signals: signals,
		config:  config,
		system:  system,
		tracer:  tracer,
		logger:  logger,
	}
}

// proposedItem is one reflection proposal. Corrections carry the path
// of the knowledge file they amend.
type proposedItem struct {
	Content     string `json:"content"`
	CitedTurns  []int  `json:"cited_turns"`
	ContentType string `json:"content_type"`
	TargetPath  string `json:"target_path,omitempty"`
}

// reflection is the MIND output. List lengths are hard-capped after
// decoding regardless of what the model returned.
type reflection struct {
	NewFacts      []proposedItem `json:"new_facts"`
	Corrections   []proposedItem `json:"corrections"`
	Connections   []proposedItem `json:"connections"`
	OpenQuestions []proposedItem `json:"open_questions"`
}

func (r *reflection) cap() {
	if len(r.NewFacts) > 2 {
		r.NewFacts = r.NewFacts[:2]
	}
	if len(r.Corrections) > 1 {
		r.Corrections = r.Corrections[:1]
	}
	if len(r.Connections) > 2 {
		r.Connections = r.Connections[:2]
	}
	if len(r.OpenQuestions) > 2 {
		r.OpenQuestions = r.OpenQuestions[:2]
	}
}

// Rejection records why a proposal was dropped, for the batch log.
type Rejection struct {
	Category string `json:"category"`
	Content  string `json:"content"`
	Reason   string `json:"reason"`
}

// BatchReport is the per-batch JSON log entry.
type BatchReport struct {
	BatchID   string      `json:"batch_id"`
	UserID    string      `json:"user_id"`
	StartedAt time.Time   `json:"started_at"`
	Turns     []int       `json:"turns"`
	Proposed  int         `json:"proposed"`
	Staged    []string    `json:"staged_paths"`
	Rejected  []Rejection `json:"rejected"`
	Promoted  []string    `json:"promoted_paths"`
	Expired   []string    `json:"expired_paths"`
	Error     string      `json:"error,omitempty"`
}

// RunBatch runs one reflection batch for a user. Panics are contained
// here; the returned error is for the scheduler's log only.
func (r *Reflector) RunBatch(ctx context.Context, userID string) (report *BatchReport, err error) {
	report = &BatchReport{
		BatchID:   uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now(),
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("reflector batch panicked: %v", rec)
			report.Error = err.Error()
			r.logger.Error("Reflector batch panicked", zap.Any("panic", rec), zap.String("user_id", userID))
		}
		r.writeLog(userID, report)
	}()

	ctx, span := r.tracer.StartSpan(ctx, "reflector.batch",
		observability.WithAttribute("user_id", userID))
	defer r.tracer.EndSpan(span)

	turns, bodies, err := r.loadRecentTurns(userID)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	report.Turns = turns
	if len(turns) == 0 {
		r.consume(userID, 0)
		return report, nil
	}

	proposals, err := r.distill(ctx, userID, turns, bodies)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}
	report.Proposed = len(proposals.NewFacts) + len(proposals.Corrections) +
		len(proposals.Connections) + len(proposals.OpenQuestions)

	accepted := r.gate(ctx, userID, proposals, bodies, report)
	staged := r.stageItems(ctx, userID, report.BatchID, accepted, report)
	r.promoteAndExpire(ctx, userID, staged, report)

	r.consume(userID, turns[0])

	r.tracer.RecordMetric("reflector.staged", float64(len(report.Staged)),
		map[string]string{"user_id": userID})
	return report, nil
}

func (r *Reflector) consume(userID string, lastTurn int) {
	if r.signals != nil {
		r.signals.Consume(userID, lastTurn)
	}
}

// loadRecentTurns returns the most recent turn numbers (newest first)
// and a map from turn number to its context plus response text.
func (r *Reflector) loadRecentTurns(userID string) ([]int, map[int]string, error) {
	nums, err := r.store.RecentTurnNumbers(userID, r.config.BatchSize)
	if err != nil {
		return nil, nil, err
	}
	bodies := make(map[int]string, len(nums))
	for _, n := range nums {
		text, err := r.store.ReadTurnContext(userID, n)
		if err != nil {
			continue
		}
		if resp, err := r.store.ReadTurnResponse(userID, n); err == nil {
			text += "\n\n" + resp
		}
		bodies[n] = text
	}
	kept := nums[:0]
	for _, n := range nums {
		if _, ok := bodies[n]; ok {
			kept = append(kept, n)
		}
	}
	return kept, bodies, nil
}

// distill runs the single MIND call over the batch.
func (r *Reflector) distill(ctx context.Context, userID string, turns []int, bodies map[int]string) (*reflection, error) {
	keywords := r.batchKeywords(bodies)
	known := r.knownKnowledge(ctx, userID, keywords)

	sections := make([]stage.PromptSection, 0, len(turns)+1)
	for i := len(turns) - 1; i >= 0; i-- {
		n := turns[i]
		sections = append(sections, stage.PromptSection{
			Section:   i,
			Title:     fmt.Sprintf("Turn %d", n),
			Body:      bodies[n],
			Droppable: true,
		})
	}
	if known != "" {
		sections = append(sections, stage.PromptSection{
			Section:    len(turns),
			Title:      "Existing Knowledge",
			Body:       known,
			Confidence: 1.0,
		})
	}

	result, err := r.runner.Run(ctx, RecipeReflect, stage.Request{
		System:   r.system,
		Vars:     map[string]string{"keywords": strings.Join(keywords, ", ")},
		Sections: sections,
	})
	if err != nil {
		return nil, err
	}

	var out reflection
	if err := result.Parsed.Decode(&out); err != nil {
		return nil, err
	}
	out.cap()
	return &out, nil
}

func (r *Reflector) batchKeywords(bodies map[int]string) []string {
	var all strings.Builder
	for _, body := range bodies {
		all.WriteString(body)
		all.WriteString(" ")
	}
	return retriever.ExtractKeywords(all.String(), 8)
}

// knownKnowledge searches the live corpus for the batch keywords so the
// model sees what is already recorded.
func (r *Reflector) knownKnowledge(ctx context.Context, userID string, keywords []string) string {
	var sb strings.Builder
	seen := make(map[string]bool)
	for _, kw := range keywords {
		hits, err := r.corpus.SearchBM25(ctx, userID, kw, 3)
		if err != nil {
			r.logger.Warn("Knowledge lookup failed during reflection", zap.Error(err))
			continue
		}
		for _, hit := range hits {
			if seen[hit.Node.ID] {
				continue
			}
			seen[hit.Node.ID] = true
			fmt.Fprintf(&sb, "[%s] %s\n", hit.Node.Path, hit.Node.Content)
		}
	}
	return sb.String()
}

type acceptedItem struct {
	proposedItem
	Category   string
	Confidence float64
}

// gate applies the code-only quality gates to every proposal.
func (r *Reflector) gate(ctx context.Context, userID string, proposals *reflection, bodies map[int]string, report *BatchReport) []acceptedItem {
	var out []acceptedItem
	check := func(category string, items []proposedItem) {
		for _, item := range items {
			if reason := r.rejectReason(ctx, userID, category, item, bodies); reason != "" {
				report.Rejected = append(report.Rejected, Rejection{
					Category: category, Content: item.Content, Reason: reason,
				})
				continue
			}
			out = append(out, acceptedItem{
				proposedItem: item,
				Category:     category,
				Confidence:   r.assignConfidence(userID, item),
			})
		}
	}
	check("fact", proposals.NewFacts)
	check("correction", proposals.Corrections)
	check("connection", proposals.Connections)
	check("open_question", proposals.OpenQuestions)
	return out
}

func (r *Reflector) rejectReason(ctx context.Context, userID, category string, item proposedItem, bodies map[int]string) string {
	if strings.TrimSpace(item.Content) == "" {
		return "empty content"
	}
	if len(item.CitedTurns) == 0 {
		return "no cited turns"
	}

	keywords := retriever.ExtractKeywords(item.Content, 8)
	overlap := false
	for _, n := range item.CitedTurns {
		body, ok := bodies[n]
		if !ok {
			var err error
			body, err = r.store.ReadTurnContext(userID, n)
			if err != nil {
				return fmt.Sprintf("cited turn %d does not exist", n)
			}
		}
		lower := strings.ToLower(body)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				overlap = true
				break
			}
		}
	}
	if !overlap {
		return "no keyword overlap with cited turns"
	}

	if item.TargetPath != "" {
		userDir := filepath.Join(r.store.Root(), "users", userID)
		if _, err := os.Stat(filepath.Join(userDir, item.TargetPath)); err != nil {
			return fmt.Sprintf("referenced file %s does not exist", item.TargetPath)
		}
	}

	// Already-known check: a close match in the live corpus means this
	// proposal adds nothing.
	best, bestSim := r.bestLiveMatch(ctx, userID, item.Content, keywords)
	if bestSim >= r.config.KnownSimilarity {
		return fmt.Sprintf("already known (similarity %.2f to %s)", bestSim, best.Path)
	}

	// Drift guard: a high-confidence node backed by a single turn does
	// not get corrected by a single batch.
	if category == "correction" && best.ID != "" &&
		best.InitialConfidence > 0.9 && len(item.CitedTurns) <= 1 {
		return fmt.Sprintf("drift guard: target %s has confidence %.2f", best.Path, best.InitialConfidence)
	}
	return ""
}

// bestLiveMatch finds the closest live node by keyword-overlap
// similarity over the BM25 candidates.
func (r *Reflector) bestLiveMatch(ctx context.Context, userID, content string, keywords []string) (memory.Node, float64) {
	var best memory.Node
	bestSim := 0.0
	for _, kw := range keywords {
		hits, err := r.corpus.SearchBM25(ctx, userID, kw, 5)
		if err != nil {
			continue
		}
		for _, hit := range hits {
			sim := tokenSimilarity(content, hit.Node.Content)
			if sim > bestSim {
				best = hit.Node
				bestSim = sim
			}
		}
	}
	return best, bestSim
}

// assignConfidence maps source-turn count to initial confidence. Three
// or more sources earn 0.85 only when a cited turn was approved with
// quality at or above 0.80.
func (r *Reflector) assignConfidence(userID string, item proposedItem) float64 {
	switch len(item.CitedTurns) {
	case 1:
		return 0.60
	case 2:
		return 0.75
	}
	for _, n := range item.CitedTurns {
		meta, err := r.store.ReadTurnMetadata(userID, n)
		if err == nil && meta.QualityScore >= 0.80 {
			return 0.85
		}
	}
	return 0.75
}

// stageItems writes accepted items into the staging corpus and the
// on-disk staging area.
func (r *Reflector) stageItems(ctx context.Context, userID, batchID string, items []acceptedItem, report *BatchReport) []memory.Node {
	var staged []memory.Node
	for i, item := range items {
		contentType := item.ContentType
		if contentType == "" {
			contentType = string(memory.ContentGeneralFact)
		}
		node := memory.Node{
			ID:                uuid.NewString(),
			UserID:            userID,
			Path:              fmt.Sprintf("%s%s/%s_%d.md", stagingPrefix, batchID, item.Category, i),
			SourceType:        memory.SourceFact,
			ContentType:       memory.ContentType(contentType),
			Content:           item.Content,
			InitialConfidence: item.Confidence,
			CreatedAt:         time.Now(),
			// The staging write is the first observation; one
			// re-observation by a later batch reaches the threshold.
			ValidationCount: 1,
			SourceID:        batchID,
		}
		if err := r.corpus.Upsert(ctx, node, nil); err != nil {
			r.logger.Error("Failed to stage reflection item", zap.Error(err))
			continue
		}
		r.writeStagingFile(userID, node)
		staged = append(staged, node)
		report.Staged = append(report.Staged, node.Path)
	}
	return staged
}

func (r *Reflector) writeStagingFile(userID string, node memory.Node) {
	rel := strings.TrimPrefix(node.Path, stagingPrefix)
	path := filepath.Join(r.store.StagingDir(userID), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Warn("Failed to create staging dir", zap.Error(err))
		return
	}
	body := fmt.Sprintf("%s\n\n<!-- confidence: %.2f source: %s -->\n", node.Content, node.InitialConfidence, node.SourceID)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		r.logger.Warn("Failed to write staging file", zap.Error(err))
	}
}

// promoteAndExpire walks the staging area: items re-observed by this
// batch gain a promotion count, items over the threshold move to the
// live corpus, and stale items are deleted.
func (r *Reflector) promoteAndExpire(ctx context.Context, userID string, freshlyStaged []memory.Node, report *BatchReport) {
	fresh := make(map[string]bool, len(freshlyStaged))
	for _, node := range freshlyStaged {
		fresh[node.ID] = true
	}

	staged, err := r.corpus.NodesByPathPrefix(ctx, userID, stagingPrefix)
	if err != nil {
		r.logger.Error("Failed to list staged knowledge", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-r.config.StagingTTL)
	for _, node := range staged {
		if fresh[node.ID] {
			continue
		}

		// Re-observation: this batch proposed something close enough, so
		// the staged item earns a promotion count.
		if wasReobserved(node, freshlyStaged, r.config.PromoteSimilarity) {
			node.ValidationCount++
			if err := r.corpus.Upsert(ctx, node, nil); err != nil {
				r.logger.Error("Failed to bump promotion count", zap.Error(err))
			}
		}

		if node.ValidationCount >= r.config.PromotionThreshold {
			r.promote(ctx, userID, node, report)
			continue
		}

		if node.CreatedAt.Before(cutoff) {
			if err := r.corpus.Delete(ctx, node.ID); err != nil {
				r.logger.Error("Failed to expire staged node", zap.Error(err))
				continue
			}
			r.removeStagingFile(userID, node)
			report.Expired = append(report.Expired, node.Path)
		}
	}
}

func wasReobserved(node memory.Node, fresh []memory.Node, floor float64) bool {
	for _, candidate := range fresh {
		if tokenSimilarity(node.Content, candidate.Content) >= floor {
			return true
		}
	}
	return false
}

func (r *Reflector) promote(ctx context.Context, userID string, node memory.Node, report *BatchReport) {
	rel := strings.TrimPrefix(node.Path, stagingPrefix)
	livePath := "Knowledge/" + rel
	if err := r.corpus.MovePath(ctx, node.ID, livePath); err != nil {
		r.logger.Error("Failed to promote staged node", zap.Error(err))
		return
	}

	src := filepath.Join(r.store.StagingDir(userID), rel)
	dst := filepath.Join(r.store.KnowledgeDir(userID), rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
		if err := os.Rename(src, dst); err != nil {
			r.logger.Warn("Failed to move promoted file", zap.Error(err))
		}
	}

	report.Promoted = append(report.Promoted, livePath)
	r.logger.Info("Promoted staged knowledge",
		zap.String("user_id", userID), zap.String("path", livePath))
}

func (r *Reflector) removeStagingFile(userID string, node memory.Node) {
	rel := strings.TrimPrefix(node.Path, stagingPrefix)
	if err := os.Remove(filepath.Join(r.store.StagingDir(userID), rel)); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to remove expired staging file", zap.Error(err))
	}
}

func (r *Reflector) writeLog(userID string, report *BatchReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	name := fmt.Sprintf("batch_%s_%s.json", report.StartedAt.UTC().Format("20060102T150405"), report.BatchID[:8])
	path := filepath.Join(r.store.ReflectorLogDir(userID), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("Failed to write reflector batch log", zap.Error(err))
	}
}

// tokenSimilarity is the fraction of a's keywords found in b. It stands
// in for a full BM25 similarity; both threshold comparisons in this
// package use it symmetrically.
func tokenSimilarity(a, b string) float64 {
	keywords := retriever.ExtractKeywords(a, 12)
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(b)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}
