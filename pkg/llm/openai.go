// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Default OpenAI-compatible endpoint configuration.
const (
	DefaultEndpointPath = "/v1/chat/completions"
	DefaultTimeout      = 120 * time.Second
	DefaultMaxTokens    = 4096
)

// OpenAIConfig holds configuration for the OpenAI-compatible client.
type OpenAIConfig struct {
	BaseURL     string        // LLM_URL, e.g. http://localhost:8000
	APIKey      string        // LLM_API_KEY, sent as bearer auth
	Model       string        // LLM_MODEL, default model name
	Timeout     time.Duration // Default: 120s
	RateLimiter *RateLimiter  // optional
}

// OpenAIClient implements Provider against any OpenAI-compatible
// chat-completions endpoint. It applies no retries of its own; a
// transport or API failure surfaces immediately.
type OpenAIClient struct {
	endpoint    string
	apiKey      string
	model       string
	httpClient  *http.Client
	rateLimiter *RateLimiter
}

// NewOpenAIClient creates a client for {BaseURL}/v1/chat/completions.
func NewOpenAIClient(config OpenAIConfig) (*OpenAIClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("LLM base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &OpenAIClient{
		endpoint:    strings.TrimRight(config.BaseURL, "/") + DefaultEndpointPath,
		apiKey:      config.APIKey,
		model:       config.Model,
		rateLimiter: config.RateLimiter,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai-compatible"
}

// Wire format for the chat completions API.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete implements Provider.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := chatCompletionRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, chatMessage(m))
	}

	resp, err := c.callAPI(ctx, &apiReq)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("LLM returned an empty response")
	}

	return &CompletionResponse{
		Content:   resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Model:     resp.Model,
	}, nil
}

func (c *OpenAIClient) callAPI(ctx context.Context, req *chatCompletionRequest) (*chatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("LLM API error: %s (type: %s)", resp.Error.Message, resp.Error.Type)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("LLM API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	return &resp, nil
}

var _ Provider = (*OpenAIClient)(nil)
