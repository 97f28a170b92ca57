// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package retriever implements search-first hybrid retrieval over the
// document store: BM25 and embedding search fused with Reciprocal Rank
// Fusion, plus the always-include rules.
package retriever

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/pandora/pkg/confidence"
	"github.com/teradata-labs/pandora/pkg/llm/embedding"
	"github.com/teradata-labs/pandora/pkg/memory"
	"github.com/teradata-labs/pandora/pkg/observability"
)

const (
	// SourceSearch marks results produced by ranked search.
	SourceSearch = "search"
	// SourceAlwaysInclude marks results appended by the always-include
	// rules, outside the ranked list.
	SourceAlwaysInclude = "always_include"
)

// TermPlan is the REFLEX-produced search strategy for one retrieval.
type TermPlan struct {
	SearchTerms        []string `json:"search_terms"`
	IncludePreferences bool     `json:"include_preferences"`
	IncludeNMinus1     bool     `json:"include_n_minus_1"`
}

// TermPlanner produces a TermPlan for a query. Implemented by the
// orchestrator on top of the stage runner; a failure here degrades to
// keyword extraction, it never fails the retrieval.
type TermPlanner interface {
	PlanSearch(ctx context.Context, query, purpose, reasoning string) (*TermPlan, error)
}

// Embedder is the slice of the embedding client the retriever needs.
// A nil Embedder runs the retriever BM25-only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchResult is one retrieved document reference.
type SearchResult struct {
	DocumentPath  string  `json:"document_path"`
	SourceType    string  `json:"source_type"`
	NodeID        string  `json:"node_id"`
	RRFScore      float64 `json:"rrf_score"`
	Confidence    float64 `json:"confidence"` // decayed current confidence, not the fusion score
	BM25Rank      int     `json:"bm25_rank,omitempty"`      // best rank across terms, 0 = no hit
	EmbeddingRank int     `json:"embedding_rank,omitempty"` // best rank across terms, 0 = no hit
	Snippet       string  `json:"snippet"`
	Content       string  `json:"content"`
	Source        string  `json:"source"`
}

// Stats describes how a retrieval went, including every degradation.
type Stats struct {
	Terms         []string      `json:"terms"`
	BM25Hits      int           `json:"bm25_hits"`
	EmbeddingHits int           `json:"embedding_hits"`
	Dropped       int           `json:"dropped_below_confidence_floor"`
	Degradations  []string      `json:"degradations,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// SearchResults is the full retrieval outcome. Empty results are valid;
// context synthesis handles a zero-node scaffold.
type SearchResults struct {
	Results []SearchResult `json:"results"`
	Stats   Stats          `json:"stats"`
}

// Config tunes the retriever. Zero values take the documented defaults.
type Config struct {
	TopK         int     // default 15
	RRFK         int     // rank-fusion constant, default 60
	CosineFloor  float64 // embedding rejection threshold, default 0.40
	PerTermLimit int     // per-method candidates per term, default 20
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 15
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.CosineFloor <= 0 {
		c.CosineFloor = 0.40
	}
	if c.PerTermLimit <= 0 {
		c.PerTermLimit = 20
	}
}

// Retriever fuses BM25 and embedding search over one user's corpus.
type Retriever struct {
	corpus   *memory.Corpus
	store    *memory.Store
	model    *confidence.Model
	planner  TermPlanner
	embedder Embedder
	config   Config
	tracer   observability.Tracer
	logger   *zap.Logger
}

// New creates a Retriever. Planner and embedder may be nil; both
// degrade rather than disable retrieval.
func New(corpus *memory.Corpus, store *memory.Store, model *confidence.Model,
	planner TermPlanner, embedder Embedder, config Config,
	tracer observability.Tracer, logger *zap.Logger) *Retriever {

	config.applyDefaults()
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		corpus:   corpus,
		store:    store,
		model:    model,
		planner:  planner,
		embedder: embedder,
		config:   config,
		tracer:   tracer,
		logger:   logger,
	}
}

// Retrieve runs the full hybrid retrieval for a query.
// ReferencedTurns are turn numbers the query analysis resolved
// explicitly ("like in turn 12"); their summaries are always included.
func (r *Retriever) Retrieve(ctx context.Context, userID, query, purpose, reasoning string, referencedTurns []int) (*SearchResults, error) {
	start := time.Now()
	ctx, span := r.tracer.StartSpan(ctx, "retriever.retrieve",
		observability.WithAttribute("user_id", userID))
	defer r.tracer.EndSpan(span)

	out := &SearchResults{Results: []SearchResult{}}
	if strings.TrimSpace(query) == "" {
		return out, nil
	}

	plan := r.planTerms(ctx, query, purpose, reasoning, &out.Stats)
	out.Stats.Terms = plan.SearchTerms

	fused, err := r.searchAndFuse(ctx, userID, plan.SearchTerms, &out.Stats)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ranked := make([]SearchResult, 0, len(fused))
	for _, cand := range fused {
		current := cand.node.InitialConfidence
		if r.model != nil {
			current = r.model.Current(string(cand.node.ContentType), cand.node.InitialConfidence, cand.node.CreatedAt, now)
		}
		if current < confidence.ThresholdExpired {
			out.Stats.Dropped++
			continue
		}
		ranked = append(ranked, SearchResult{
			DocumentPath:  cand.node.Path,
			SourceType:    string(cand.node.SourceType),
			NodeID:        cand.node.ID,
			RRFScore:      cand.rrf,
			Confidence:    current,
			BM25Rank:      cand.bestBM25,
			EmbeddingRank: cand.bestEmbedding,
			Snippet:       snippet(cand.node.Content),
			Content:       cand.node.Content,
			Source:        SourceSearch,
		})
	}

	// Dedupe by path, highest RRF wins, then rank and cut.
	byPath := make(map[string]int)
	deduped := ranked[:0]
	for _, res := range ranked {
		if i, seen := byPath[res.DocumentPath]; seen {
			if res.RRFScore > deduped[i].RRFScore {
				deduped[i] = res
			}
			continue
		}
		byPath[res.DocumentPath] = len(deduped)
		deduped = append(deduped, res)
	}
	sort.SliceStable(deduped, func(a, b int) bool { return deduped[a].RRFScore > deduped[b].RRFScore })
	if len(deduped) > r.config.TopK {
		deduped = deduped[:r.config.TopK]
	}

	out.Results = append(out.Results, r.alwaysInclude(userID, plan, referencedTurns, byPathSet(deduped))...)
	out.Results = append(out.Results, deduped...)
	out.Stats.Duration = time.Since(start)

	r.tracer.RecordMetric("retriever.results", float64(len(out.Results)),
		map[string]string{"user_id": userID})
	return out, nil
}

func byPathSet(results []SearchResult) map[string]bool {
	set := make(map[string]bool, len(results))
	for _, r := range results {
		set[r.DocumentPath] = true
	}
	return set
}

// planTerms asks the planner for search terms and falls back to keyword
// extraction when it fails. The degradation is logged and recorded in
// stats, never silent.
func (r *Retriever) planTerms(ctx context.Context, query, purpose, reasoning string, stats *Stats) *TermPlan {
	if r.planner != nil {
		plan, err := r.planner.PlanSearch(ctx, query, purpose, reasoning)
		if err == nil && len(plan.SearchTerms) > 0 {
			return plan
		}
		if err != nil {
			r.logger.Warn("Search-term planning failed, falling back to keyword extraction", zap.Error(err))
			stats.Degradations = append(stats.Degradations, "term_planner_failed")
		}
	}
	return &TermPlan{
		SearchTerms:        ExtractKeywords(query, 5),
		IncludePreferences: true,
		IncludeNMinus1:     true,
	}
}

type candidate struct {
	node          memory.Node
	rrf           float64
	bestBM25      int
	bestEmbedding int
}

// searchAndFuse runs BM25 and embedding search per term in parallel and
// fuses the ranked lists with RRF.
func (r *Retriever) searchAndFuse(ctx context.Context, userID string, terms []string, stats *Stats) (map[string]*candidate, error) {
	var embedded []memory.EmbeddedNode
	if r.embedder != nil {
		var err error
		embedded, err = r.corpus.Embeddings(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	var mu sync.Mutex
	fused := make(map[string]*candidate)
	accumulate := func(node memory.Node, rank int, isBM25 bool) {
		mu.Lock()
		defer mu.Unlock()
		cand, ok := fused[node.ID]
		if !ok {
			cand = &candidate{node: node}
			fused[node.ID] = cand
		}
		cand.rrf += 1.0 / float64(r.config.RRFK+rank)
		if isBM25 {
			if cand.bestBM25 == 0 || rank < cand.bestBM25 {
				cand.bestBM25 = rank
			}
		} else if cand.bestEmbedding == 0 || rank < cand.bestEmbedding {
			cand.bestEmbedding = rank
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	var embeddingDown sync.Once
	for _, term := range terms {
		term := term
		g.Go(func() error {
			hits, err := r.corpus.SearchBM25(gctx, userID, term, r.config.PerTermLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			stats.BM25Hits += len(hits)
			mu.Unlock()
			for _, hit := range hits {
				accumulate(hit.Node, hit.Rank, true)
			}
			return nil
		})
		if r.embedder == nil || len(embedded) == 0 {
			continue
		}
		g.Go(func() error {
			vector, err := r.embedder.Embed(gctx, term)
			if err != nil {
				// Embedding service down: BM25-only, recorded once.
				embeddingDown.Do(func() {
					r.logger.Warn("Embedding search degraded to BM25-only", zap.Error(err))
					mu.Lock()
					stats.Degradations = append(stats.Degradations, "embedding_unavailable")
					mu.Unlock()
				})
				return nil
			}
			hits := rankByCosine(embedded, vector, r.config.CosineFloor, r.config.PerTermLimit)
			mu.Lock()
			stats.EmbeddingHits += len(hits)
			mu.Unlock()
			for rank, node := range hits {
				accumulate(node, rank+1, false)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fused, nil
}

func rankByCosine(embedded []memory.EmbeddedNode, query []float32, floor float64, limit int) []memory.Node {
	type scored struct {
		node memory.Node
		sim  float64
	}
	var hits []scored
	for _, e := range embedded {
		sim := embedding.Cosine(query, e.Vector)
		if sim < floor {
			continue
		}
		hits = append(hits, scored{node: e.Node, sim: sim})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].sim > hits[b].sim })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	nodes := make([]memory.Node, len(hits))
	for i, h := range hits {
		nodes[i] = h.node
	}
	return nodes
}

// alwaysInclude builds the rule-appended results: the preferences file,
// the previous turn's summary, and explicitly referenced turns. Paths
// already present in the ranked list are skipped.
func (r *Retriever) alwaysInclude(userID string, plan *TermPlan, referencedTurns []int, seen map[string]bool) []SearchResult {
	var out []SearchResult
	add := func(path, sourceType, content string) {
		if content == "" || seen[path] {
			return
		}
		seen[path] = true
		out = append(out, SearchResult{
			DocumentPath: path,
			SourceType:   sourceType,
			// Rule-included files carry no decay state; they are pinned
			// at full confidence.
			Confidence: 1.0,
			Snippet:    snippet(content),
			Content:    content,
			Source:     SourceAlwaysInclude,
		})
	}

	if plan.IncludePreferences {
		if prefs, ok := r.store.ReadPreferences(userID); ok {
			add("preferences.md", string(memory.SourcePreference), prefs)
		}
	}
	if plan.IncludeNMinus1 {
		if latest, err := r.store.LatestTurnNumber(userID); err == nil && latest > 0 {
			if summary, ok := r.store.TurnSummary(userID, latest); ok {
				add("turns/"+memory.TurnDirName(latest), string(memory.SourceTurnSummary), summary)
			}
		}
	}
	for _, turn := range referencedTurns {
		if summary, ok := r.store.TurnSummary(userID, turn); ok {
			add("turns/"+memory.TurnDirName(turn), string(memory.SourceTurnSummary), summary)
			continue
		}
		if text, err := r.store.ReadTurnContext(userID, turn); err == nil {
			add("turns/"+memory.TurnDirName(turn), string(memory.SourceTurnSummary), text)
		}
	}
	return out
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= 200 {
		return content
	}
	return string(runes[:200]) + "…"
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "what": true, "when": true, "where": true, "which": true,
	"from": true, "about": true, "have": true, "has": true, "was": true,
	"are": true, "you": true, "your": true, "can": true, "could": true,
	"would": true, "should": true, "did": true, "does": true, "how": true,
	"why": true, "who": true, "not": true, "but": true, "all": true,
	"any": true, "into": true, "out": true, "get": true, "its": true,
	"there": true, "their": true, "them": true, "they": true, "like": true,
	"just": true, "than": true, "then": true, "also": true, "please": true,
}

// ExtractKeywords is the degraded term source: lowercased words of the
// query minus stopwords, longest first, deduplicated.
func ExtractKeywords(query string, max int) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool)
	var keywords []string
	for _, w := range words {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	sort.SliceStable(keywords, func(a, b int) bool { return len(keywords[a]) > len(keywords[b]) })
	if len(keywords) > max {
		keywords = keywords[:max]
	}
	return keywords
}
