// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LoggingTracer exports completed spans and metrics to a zap logger.
// This is the default production tracer; span trees are reconstructable
// from the logged trace/span/parent IDs.
type LoggingTracer struct {
	logger *zap.Logger
}

// NewLoggingTracer creates a tracer backed by the given logger.
func NewLoggingTracer(logger *zap.Logger) *LoggingTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingTracer{logger: logger}
}

// StartSpan creates a new span linked to any parent found in ctx.
func (t *LoggingTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(span)
	}

	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return ContextWithSpan(ctx, span), span
}

// EndSpan finalizes timing and logs the span.
func (t *LoggingTracer) EndSpan(span *Span) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	fields := []zap.Field{
		zap.String("trace_id", span.TraceID),
		zap.String("span_id", span.SpanID),
		zap.Duration("duration", span.Duration),
		zap.String("status", span.Status.Code.String()),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", span.ParentID))
	}
	if len(span.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", span.Attributes))
	}

	if span.Status.Code == StatusError {
		t.logger.Warn("span "+span.Name, fields...)
		return
	}
	t.logger.Debug("span "+span.Name, fields...)
}

// RecordMetric logs a metric observation.
func (t *LoggingTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.logger.Debug("metric "+name,
		zap.Float64("value", value),
		zap.Any("labels", labels))
}

// Flush is a no-op; zap handles its own buffering.
func (t *LoggingTracer) Flush(ctx context.Context) error {
	return t.logger.Sync()
}

var _ Tracer = (*LoggingTracer)(nil)
