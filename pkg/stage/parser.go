// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package stage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Strategy names which parser pass produced the result. Recorded in
// stage metrics so degraded parses are visible.
type Strategy string

const (
	StrategyStrict   Strategy = "strict"
	StrategyRepair   Strategy = "repair"
	StrategySemantic Strategy = "semantic"
	StrategyDefault  Strategy = "default"
)

// Parsed is a structured stage output plus the strategy that won.
type Parsed struct {
	Data     map[string]any
	Strategy Strategy
	Raw      string
}

// Decode maps the parsed object onto a typed struct.
func (p *Parsed) Decode(out any) error {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("failed to re-marshal parsed output: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode parsed output: %w", err)
	}
	return nil
}

// Parse extracts a schema-valid object from raw LLM output. Four
// passes, in order: strict JSON, repaired JSON, per-field semantic
// extraction, and finally the schema-defaulted object. The parser
// itself never panics; exhausting every pass returns an error that the
// runner surfaces as a schema failure.
func Parse(raw string, schema *Schema) (*Parsed, error) {
	if data, ok := parseStrict(raw); ok && validates(data, schema) {
		return &Parsed{Data: data, Strategy: StrategyStrict, Raw: raw}, nil
	}
	if data, ok := parseRepaired(raw); ok && validates(data, schema) {
		return &Parsed{Data: data, Strategy: StrategyRepair, Raw: raw}, nil
	}
	if schema != nil {
		if data, ok := parseSemantic(raw, schema); ok && validates(data, schema) {
			return &Parsed{Data: data, Strategy: StrategySemantic, Raw: raw}, nil
		}
		if defaults := schema.Defaults(); defaults != nil && validates(defaults, schema) {
			return &Parsed{Data: defaults, Strategy: StrategyDefault, Raw: raw}, nil
		}
	}
	return nil, fmt.Errorf("output did not satisfy schema after all parser passes")
}

func validates(data map[string]any, schema *Schema) bool {
	if schema == nil {
		return true
	}
	return schema.Validate(data) == nil
}

func parseStrict(raw string) (map[string]any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &data); err != nil {
		return nil, false
	}
	return data, true
}

var (
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// parseRepaired applies the mechanical fixes LLMs most often need:
// code-fence stripping, prose trimming around the outermost object,
// trailing-comma removal, and bracket/quote balancing.
func parseRepaired(raw string) (map[string]any, bool) {
	candidate := raw
	if m := codeFenceRe.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}

	start := strings.Index(candidate, "{")
	if start < 0 {
		return nil, false
	}
	end := strings.LastIndex(candidate, "}")
	if end > start {
		candidate = candidate[start : end+1]
	} else {
		candidate = candidate[start:]
	}

	candidate = trailingCommaRe.ReplaceAllString(candidate, "$1")
	candidate = balance(candidate)

	var data map[string]any
	if err := json.Unmarshal([]byte(candidate), &data); err != nil {
		return nil, false
	}
	return data, true
}

// balance closes an unterminated string and appends the missing closing
// brackets in nesting order.
func balance(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			stack = append(stack, c)
		case c == '}' || c == ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// parseSemantic scavenges field values from broken output, one schema
// property at a time. It recognizes JSON-style `"field": value`
// fragments and bare `field: value` lines.
func parseSemantic(raw string, schema *Schema) (map[string]any, bool) {
	data := make(map[string]any)
	for _, prop := range schema.Properties() {
		if v, ok := extractField(raw, prop); ok {
			data[prop] = v
		}
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

func extractField(raw, field string) (any, bool) {
	// JSON-style fragment first: quoted string, number, boolean, or a
	// flat array.
	quoted := regexp.QuoteMeta(field)
	patterns := []struct {
		re      *regexp.Regexp
		convert func(string) (any, bool)
	}{
		{regexp.MustCompile(`"` + quoted + `"\s*:\s*"((?:[^"\\]|\\.)*)"`), func(s string) (any, bool) {
			var out string
			if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
				return s, true
			}
			return out, true
		}},
		{regexp.MustCompile(`"` + quoted + `"\s*:\s*(-?\d+(?:\.\d+)?)`), func(s string) (any, bool) {
			f, err := strconv.ParseFloat(s, 64)
			return f, err == nil
		}},
		{regexp.MustCompile(`"` + quoted + `"\s*:\s*(true|false)`), func(s string) (any, bool) {
			return s == "true", true
		}},
		{regexp.MustCompile(`"` + quoted + `"\s*:\s*(\[[^\[\]]*\])`), func(s string) (any, bool) {
			var arr []any
			if err := json.Unmarshal([]byte(trailingCommaRe.ReplaceAllString(s, "$1")), &arr); err != nil {
				return nil, false
			}
			return arr, true
		}},
		// Bare "field: value" line, value up to end of line.
		{regexp.MustCompile(`(?mi)^\s*` + quoted + `\s*:\s*(.+?)\s*$`), func(s string) (any, bool) {
			s = strings.Trim(s, `"',`)
			if s == "" {
				return nil, false
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
			if s == "true" || s == "false" {
				return s == "true", true
			}
			return s, true
		}},
	}
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(raw); m != nil {
			if v, ok := p.convert(m[1]); ok {
				return v, true
			}
		}
	}
	return nil, false
}
