// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llm provides the outbound LLM contract: named roles mapping
// to temperature/model tuples, the provider interface, and the
// OpenAI-compatible chat-completions client.
package llm

import (
	"context"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Model       string // optional override; provider default otherwise
}

// CompletionResponse carries the model output and token accounting.
type CompletionResponse struct {
	Content   string
	TokensIn  int
	TokensOut int
	Model     string
}

// Provider is the outbound LLM endpoint abstraction.
type Provider interface {
	// Name returns the provider name for logging and metrics.
	Name() string

	// Complete performs one chat completion. Implementations own their
	// transport concerns (auth, timeout); they never retry silently,
	// errors surface to the caller.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
