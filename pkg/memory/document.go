// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package memory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known section numbers of a turn document.
const (
	SectionQuery           = 0
	SectionQueryValidation = 1
	SectionGatheredContext = 2
	SectionPlan            = 3
	SectionExecution       = 4
	SectionCoordinator     = 5
	SectionSynthesis       = 6
	SectionValidation      = 7
	SectionSummaryAppendix = 8
)

// SectionBlock is one appended block of a turn document. A section may
// accumulate multiple blocks across attempts; blocks are never replaced.
type SectionBlock struct {
	Number    int
	Title     string
	Attempt   int // 1-based
	Stage     string
	Body      string
	WrittenAt time.Time
}

// TurnDocument is the append-only record of one turn. Sections are
// written at most once per attempt by their owning stage; the query
// section is immutable for the life of the turn.
type TurnDocument struct {
	TurnID string
	blocks []SectionBlock
	owners map[int]string
	counts map[int]int
}

// NewTurnDocument creates an empty document for one turn.
func NewTurnDocument(turnID string) *TurnDocument {
	return &TurnDocument{
		TurnID: turnID,
		owners: make(map[int]string),
		counts: make(map[int]int),
	}
}

// Append writes the first block of a section. It fails if the section
// was already written; later attempts must go through AppendAttempt.
func (d *TurnDocument) Append(stage string, number int, title, body string) error {
	if d.counts[number] > 0 {
		return fmt.Errorf("section %d already written by stage %q; sections are append-only", number, d.owners[number])
	}
	return d.append(stage, number, title, body)
}

// AppendAttempt appends a later attempt block for a section that was
// already written. The query section never accepts attempts.
func (d *TurnDocument) AppendAttempt(stage string, number int, title, body string) error {
	if number == SectionQuery {
		return fmt.Errorf("section 0 is immutable")
	}
	if d.counts[number] == 0 {
		return fmt.Errorf("section %d has no first attempt to retry", number)
	}
	if owner := d.owners[number]; owner != stage {
		return fmt.Errorf("section %d is owned by stage %q, not %q", number, owner, stage)
	}
	return d.append(stage, number, title, body)
}

func (d *TurnDocument) append(stage string, number int, title, body string) error {
	if owner, ok := d.owners[number]; ok && owner != stage {
		return fmt.Errorf("section %d is owned by stage %q, not %q", number, owner, stage)
	}
	d.owners[number] = stage
	d.counts[number]++
	d.blocks = append(d.blocks, SectionBlock{
		Number:    number,
		Title:     title,
		Attempt:   d.counts[number],
		Stage:     stage,
		Body:      body,
		WrittenAt: time.Now(),
	})
	return nil
}

// Has reports whether a section has at least one block.
func (d *TurnDocument) Has(number int) bool {
	return d.counts[number] > 0
}

// Attempts returns how many blocks a section has accumulated.
func (d *TurnDocument) Attempts(number int) int {
	return d.counts[number]
}

// Section returns all blocks of a section in append order.
func (d *TurnDocument) Section(number int) []SectionBlock {
	var out []SectionBlock
	for _, b := range d.blocks {
		if b.Number == number {
			out = append(out, b)
		}
	}
	return out
}

// SectionText concatenates every block body of a section.
func (d *TurnDocument) SectionText(number int) string {
	var sb strings.Builder
	for _, b := range d.Section(number) {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Body)
	}
	return sb.String()
}

// SectionContains reports whether any block of a section contains the
// given substring. Used for claim traceability checks.
func (d *TurnDocument) SectionContains(number int, substr string) bool {
	if substr == "" {
		return false
	}
	for _, b := range d.Section(number) {
		if strings.Contains(b.Body, substr) {
			return true
		}
	}
	return false
}

// Blocks returns all blocks in append order.
func (d *TurnDocument) Blocks() []SectionBlock {
	out := make([]SectionBlock, len(d.blocks))
	copy(out, d.blocks)
	return out
}

// Render serializes the document as context.md. Every section header is
// `## <N>. <Title>`; attempt blocks beyond the first are labeled with
// their attempt number. Fenced blocks inside bodies are preserved
// byte-for-byte in their original position.
func (d *TurnDocument) Render() string {
	var sb strings.Builder
	for _, b := range d.blocks {
		title := b.Title
		if b.Attempt > 1 {
			title = fmt.Sprintf("%s (Attempt %d)", b.Title, b.Attempt)
		}
		fmt.Fprintf(&sb, "## %d. %s\n\n%s\n\n", b.Number, title, strings.TrimRight(b.Body, "\n"))
	}
	return sb.String()
}

var sectionHeaderRe = regexp.MustCompile(`(?m)^## (\d+)\. (.+?)(?: \(Attempt (\d+)\))?$`)

// ParseDocument reconstructs a TurnDocument from rendered context.md.
// Stage ownership is not recoverable from the rendered form; parsed
// blocks carry an empty stage and ownership checks are disabled for
// further appends by the save pipeline.
func ParseDocument(turnID, text string) (*TurnDocument, error) {
	d := NewTurnDocument(turnID)
	matches := sectionHeaderRe.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		number, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			return nil, fmt.Errorf("invalid section number: %w", err)
		}
		title := text[m[4]:m[5]]
		attempt := 1
		if m[6] >= 0 {
			attempt, err = strconv.Atoi(text[m[6]:m[7]])
			if err != nil {
				return nil, fmt.Errorf("invalid attempt number: %w", err)
			}
		}

		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])

		d.owners[number] = ""
		d.counts[number] = attempt
		d.blocks = append(d.blocks, SectionBlock{
			Number:  number,
			Title:   title,
			Attempt: attempt,
			Body:    body,
		})
	}
	return d, nil
}

// FormatMeta renders a section `_meta` block as a fenced YAML block.
func FormatMeta(meta SectionMeta) string {
	data, err := yaml.Marshal(&meta)
	if err != nil {
		// SectionMeta contains only marshalable fields.
		return ""
	}
	return "```yaml\n" + string(data) + "```"
}

var metaFenceRe = regexp.MustCompile("(?s)```yaml\n(.*?)```")

// ExtractMeta parses the first fenced `_meta` YAML block from a section
// body. Returns ok=false when the body carries no meta block.
func ExtractMeta(body string) (SectionMeta, bool) {
	m := metaFenceRe.FindStringSubmatch(body)
	if m == nil {
		return SectionMeta{}, false
	}
	var meta SectionMeta
	if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
		return SectionMeta{}, false
	}
	return meta, true
}
