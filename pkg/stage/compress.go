// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/pkg/llm"
)

// PromptSection is one document section headed into a composed prompt.
// Confidence and WrittenAt drive the compression order; section 0 (the
// raw query) is exempt from both compression and dropping.
type PromptSection struct {
	Section    int
	Title      string
	Body       string
	Confidence float64 // 1.0 when not confidence-scored
	WrittenAt  time.Time
	Droppable  bool
}

// Compressor enforces per-stage input budgets. When a composed prompt
// exceeds its budget it compresses sections lowest-confidence-first and
// oldest-first, then drops droppable sections in the same order. If the
// compression role is unavailable it degrades to mechanical token
// truncation rather than failing the stage.
type Compressor struct {
	encoding *tiktoken.Tiktoken
	provider llm.Provider
	roles    llm.RoleMap
	logger   *zap.Logger
}

// NewCompressor builds a compressor. Provider may be nil; the
// compressor then truncates instead of summarizing.
func NewCompressor(provider llm.Provider, roles llm.RoleMap, logger *zap.Logger) (*Compressor, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{encoding: encoding, provider: provider, roles: roles, logger: logger}, nil
}

// CountTokens measures text against the encoding.
func (c *Compressor) CountTokens(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Fit reduces sections until overhead plus their total fits the budget.
// Returns the (possibly shortened) sections; sections the budget forced
// out are omitted entirely.
func (c *Compressor) Fit(ctx context.Context, overhead int, sections []PromptSection, budget int) []PromptSection {
	total := overhead
	counts := make([]int, len(sections))
	for i, s := range sections {
		counts[i] = c.CountTokens(s.Body)
		total += counts[i]
	}
	if total <= budget {
		return sections
	}

	// Candidate order: lowest confidence first, then oldest. The query
	// section is untouchable.
	order := make([]int, 0, len(sections))
	for i, s := range sections {
		if s.Section == 0 {
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := sections[order[a]], sections[order[b]]
		if sa.Confidence != sb.Confidence {
			return sa.Confidence < sb.Confidence
		}
		return sa.WrittenAt.Before(sb.WrittenAt)
	})

	out := make([]PromptSection, len(sections))
	copy(out, sections)

	// Pass 1: compress to roughly half.
	for _, i := range order {
		if total <= budget {
			break
		}
		target := counts[i] / 2
		if target < 64 {
			continue
		}
		compressed := c.compressText(ctx, out[i].Body, target)
		newCount := c.CountTokens(compressed)
		if newCount >= counts[i] {
			continue
		}
		c.logger.Debug("Compressed prompt section",
			zap.Int("section", out[i].Section),
			zap.Int("before", counts[i]),
			zap.Int("after", newCount))
		total -= counts[i] - newCount
		counts[i] = newCount
		out[i].Body = compressed
	}

	// Pass 2: drop droppable sections in the same order.
	dropped := make(map[int]bool)
	for _, i := range order {
		if total <= budget {
			break
		}
		if !out[i].Droppable {
			continue
		}
		c.logger.Warn("Dropped prompt section over budget",
			zap.Int("section", out[i].Section),
			zap.String("title", out[i].Title))
		total -= counts[i]
		dropped[i] = true
	}
	if total > budget {
		c.logger.Warn("Composed prompt still over budget after compression",
			zap.Int("tokens", total), zap.Int("budget", budget))
	}

	final := make([]PromptSection, 0, len(out))
	for i, s := range out {
		if !dropped[i] {
			final = append(final, s)
		}
	}
	return final
}

const compressInstruction = "Compress the following context to roughly %d tokens. Keep every fact, identifier, number, URL, and decision; remove filler and repetition. Output only the compressed text.\n\n%s"

func (c *Compressor) compressText(ctx context.Context, body string, targetTokens int) string {
	if c.provider == nil {
		return c.truncate(body, targetTokens)
	}
	params, err := c.roles.Resolve(llm.RoleNerves)
	if err != nil {
		return c.truncate(body, targetTokens)
	}
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(compressInstruction, targetTokens, body)},
		},
		Temperature: params.Temperature,
		MaxTokens:   targetTokens + targetTokens/4,
		Model:       params.Model,
	})
	if err != nil {
		c.logger.Warn("Compression role unavailable, truncating instead", zap.Error(err))
		return c.truncate(body, targetTokens)
	}
	return strings.TrimSpace(resp.Content)
}

func (c *Compressor) truncate(body string, targetTokens int) string {
	tokens := c.encoding.Encode(body, nil, nil)
	if len(tokens) <= targetTokens {
		return body
	}
	return c.encoding.Decode(tokens[:targetTokens]) + "\n[truncated]"
}
