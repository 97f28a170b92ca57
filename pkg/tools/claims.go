// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"encoding/json"
	"strings"
)

// Claim is one discrete factual assertion extracted from a tool result.
type Claim struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	TTLSeconds int64   `json:"ttl_seconds"`
}

// claimEnvelope matches the claims block tools may embed in their
// response body.
type claimEnvelope struct {
	Claims []Claim `json:"claims"`
}

// ExtractClaims pulls the claims table out of a tool result. Tools that
// return structured claims get them verbatim (with defaults filled in);
// everything else yields an empty table, never an error.
func ExtractClaims(raw json.RawMessage, tool string) []Claim {
	var envelope claimEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	claims := make([]Claim, 0, len(envelope.Claims))
	for _, c := range envelope.Claims {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		if c.Source == "" {
			c.Source = tool
		}
		if c.Confidence <= 0 || c.Confidence > 1 {
			c.Confidence = 0.5
		}
		claims = append(claims, c)
	}
	return claims
}
