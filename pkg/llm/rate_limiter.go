// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiterConfig configures the LLM rate limiter.
type RateLimiterConfig struct {
	// Enabled turns the limiter on. Disabled by default.
	Enabled bool `mapstructure:"enabled"`

	// RequestsPerSecond is the sustained request rate across all stages.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// BurstCapacity is the maximum burst of requests allowed.
	BurstCapacity int `mapstructure:"burst_capacity"`
}

// DefaultRateLimiterConfig returns moderate defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           false,
		RequestsPerSecond: 2.0,
		BurstCapacity:     5,
	}
}

// RateLimiter implements token-bucket rate limiting for LLM requests.
// Wait blocks until a token is available or the context is done.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter from config. Returns nil when
// the limiter is disabled so callers can skip it entirely.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if !config.Enabled {
		return nil
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 2.0
	}
	if config.BurstCapacity <= 0 {
		config.BurstCapacity = 5
	}
	return &RateLimiter{
		tokens:     float64(config.BurstCapacity),
		maxTokens:  float64(config.BurstCapacity),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a request token is available.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		// Time until one token refills.
		wait := time.Duration((1 - r.tokens) / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// refill adds tokens based on elapsed time. Caller holds the lock.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
}
