// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

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

// ModeHeader carries the mode on every tool call; the tool service
// verifies it independently of our gate.
const ModeHeader = "X-Pandora-Mode"

// ClientConfig configures the tool service client.
type ClientConfig struct {
	// BaseURL is the tool service root (TOOL_URL).
	BaseURL string

	// Timeout bounds one tool call end to end. Tools own their internal
	// retry loops; this layer adds none.
	Timeout time.Duration // Default: 300s
}

// Client calls POST {base}/{tool_name} with JSON args.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a tool service client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("tool service base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 300 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Call invokes one tool and returns its JSON body verbatim. Non-2xx
// statuses are errors carrying the body for diagnostics.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any, mode Mode) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool args: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+tool, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(ModeHeader, string(mode))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tool service unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %s failed (status %d): %s", tool, httpResp.StatusCode, string(respBody))
	}
	return respBody, nil
}
