// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/pandora/internal/pubsub"
)

// DefaultApprovalTimeout applies when no timeout is configured. A
// timed-out approval is a denial.
const DefaultApprovalTimeout = 180 * time.Second

// ApprovalRequest is one pending out-of-scope tool call.
type ApprovalRequest struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Tool       string    `json:"tool"`
	TargetPath string    `json:"target_path,omitempty"`
	Mode       string    `json:"mode"`
	CreatedAt  time.Time `json:"created_at"`
}

type pendingApproval struct {
	request ApprovalRequest
	resolve chan bool
}

// Broker publishes approval requests on an out-of-band channel and
// blocks the calling turn until a decision, denial, or timeout.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	events  *pubsub.Broker[ApprovalRequest]
	timeout time.Duration
	logger  *zap.Logger
}

// NewBroker creates an approval broker. timeout <= 0 takes the default.
func NewBroker(timeout time.Duration, logger *zap.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		pending: make(map[string]*pendingApproval),
		events:  pubsub.NewBroker[ApprovalRequest](),
		timeout: timeout,
		logger:  logger,
	}
}

// Request publishes an approval request and blocks until it is
// resolved. Denial, timeout, and context cancellation all return
// DecisionDeny; only an explicit approval allows.
func (b *Broker) Request(ctx context.Context, req ApprovalRequest) Decision {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now()

	p := &pendingApproval{request: req, resolve: make(chan bool, 1)}
	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		b.events.Publish(pubsub.DeletedEvent, req)
	}()

	b.events.Publish(pubsub.CreatedEvent, req)
	b.logger.Info("Awaiting approval",
		zap.String("id", req.ID),
		zap.String("tool", req.Tool),
		zap.String("target", req.TargetPath))

	select {
	case approved := <-p.resolve:
		if approved {
			return DecisionAllow
		}
		return DecisionDeny
	case <-time.After(b.timeout):
		b.logger.Warn("Approval timed out, denying", zap.String("id", req.ID))
		return DecisionDeny
	case <-ctx.Done():
		return DecisionDeny
	}
}

// Resolve answers a pending approval. Returns false when the id is
// unknown or already resolved.
func (b *Broker) Resolve(id string, approve bool) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.resolve <- approve:
		return true
	default:
		return false
	}
}

// Pending lists awaiting approvals, oldest first.
func (b *Broker) Pending() []ApprovalRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.request)
	}
	sort.Slice(out, func(a, c int) bool { return out[a].CreatedAt.Before(out[c].CreatedAt) })
	return out
}

// Events exposes the approval event stream for the SSE mirror.
func (b *Broker) Events(ctx context.Context) <-chan pubsub.Event[ApprovalRequest] {
	return b.events.Subscribe(ctx)
}
