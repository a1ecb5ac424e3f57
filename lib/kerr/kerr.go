// Copyright 2026 The Shardkeep Authors
// SPDX-License-Identifier: Apache-2.0

// Package kerr implements the structured error taxonomy shared by every
// storage-engine subsystem: Protocol, Integrity, NotFound, Storage,
// Exhaustion, and the local-only NoGain signal used inside the delta
// decision tree.
//
// Every [Error] carries a message, an ordered list of key/value fields
// for structured logging, and the call site that raised it. Callers
// inspect the kind with [KindOf] or [Is] rather than matching on
// message text.
package kerr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an Error so callers can decide whether to close a
// session, retry, or fall back to a different code path.
type Kind int

const (
	// Protocol marks a malformed packet, an unexpected indicator, or a
	// size disagreement between the declared and actual payload.
	// Fatal to the session.
	Protocol Kind = iota + 1

	// Integrity marks a paranoid-check failure: a share size mismatch,
	// a recipe header inconsistency, a userID mismatch in an
	// unfinished recipe buffer. Fatal to the session.
	Integrity

	// NotFound marks a lookup that was expected to resolve but did
	// not: an unknown recipe, a share index entry missing during
	// restore.
	NotFound

	// Storage marks a failure in the KV store, the container pool, or
	// recipe-file I/O that is not itself a not-found. Fatal to the
	// session; always logged.
	Storage

	// Exhaustion marks the container name dispenser running out of
	// names. Fatal to the process.
	Exhaustion

	// NoGain marks a delta encoding attempt that was refused or
	// produced no size reduction. Local only: callers fall back to
	// the unique-store path rather than propagating this to a
	// session.
	NoGain
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Integrity:
		return "integrity"
	case NotFound:
		return "not_found"
	case Storage:
		return "storage"
	case Exhaustion:
		return "exhaustion"
	case NoGain:
		return "no_gain"
	default:
		return "unknown"
	}
}

// Field is one key/value pair attached to an Error for structured
// logging. Fields are ordered: insertion order is preserved in Error().
type Field struct {
	Key   string
	Value any
}

// Error is the single error type used across the storage engine. It
// carries a Kind, a message, an ordered list of Fields, and the source
// location of the call that constructed it.
type Error struct {
	Kind    Kind
	Message string
	Fields  []Field
	file    string
	line    int
	wrapped error
}

// New constructs an Error of the given kind with a message and
// optional key/value fields. The call site is captured automatically.
func New(kind Kind, message string, fields ...Field) *Error {
	return newError(kind, message, nil, fields)
}

// Wrap constructs an Error of the given kind that wraps an underlying
// error. errors.Unwrap(err) returns cause.
func Wrap(kind Kind, cause error, message string, fields ...Field) *Error {
	return newError(kind, message, cause, fields)
}

func newError(kind Kind, message string, cause error, fields []Field) *Error {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "unknown", 0
	}
	return &Error{
		Kind:    kind,
		Message: message,
		Fields:  fields,
		file:    file,
		line:    line,
		wrapped: cause,
	}
}

// F builds a Field. Shorthand for Field{Key: key, Value: value}.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Message)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	if e.wrapped != nil {
		fmt.Fprintf(&b, ": %v", e.wrapped)
	}
	fmt.Fprintf(&b, " (%s:%d)", trimPath(e.file), e.line)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// KindOf returns the Kind of err if it is (or wraps) a *kerr.Error, and
// whether such an error was found.
func KindOf(err error) (Kind, bool) {
	var kerrErr *Error
	if errors.As(err, &kerrErr) {
		return kerrErr.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) a *kerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// trimPath keeps only the last two path segments of a source file path
// to keep log lines short without losing package context.
func trimPath(path string) string {
	slash := strings.LastIndexByte(path, '/')
	if slash < 0 {
		return path
	}
	prevSlash := strings.LastIndexByte(path[:slash], '/')
	if prevSlash < 0 {
		return path
	}
	return path[prevSlash+1:]
}
