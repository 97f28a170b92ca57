// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package fault defines the error taxonomy shared by the pipeline.
// Every error kind halts the turn (fail-fast); the kind is attached to
// the user-facing error record and the turn metrics.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a turn-halting error.
type Kind string

const (
	ParseError        Kind = "parse_error"
	LLMError          Kind = "llm_error"
	ToolError         Kind = "tool_error"
	PermissionError   Kind = "permission_error"
	ConfigError       Kind = "config_error"
	SchemaFailure     Kind = "schema_failure"
	LoopLimitExceeded Kind = "loop_limit_exceeded"
	UnknownError      Kind = "unknown_error"
)

// Fault wraps an error with its taxonomy kind and the stage where it
// occurred.
type Fault struct {
	Kind  Kind
	Stage string
	Err   error
}

// New creates a Fault.
func New(kind Kind, stage string, err error) *Fault {
	return &Fault{Kind: kind, Stage: stage, Err: err}
}

// Newf creates a Fault from a format string.
func Newf(kind Kind, stage, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func (f *Fault) Error() string {
	if f.Stage != "" {
		return fmt.Sprintf("%s at stage %s: %v", f.Kind, f.Stage, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// KindOf extracts the Kind from an error chain, defaulting to
// unknown_error for unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return UnknownError
}

// StageOf extracts the stage name from an error chain, if any.
func StageOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Stage
	}
	return ""
}
