// Copyright 2024 Papyrus Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storeerrors defines the error taxonomy visible to store callers.
//
// Concurrency conflicts and poisoned sessions are the two conditions every
// caller must be prepared to handle around SaveChanges; all other codes
// indicate programming errors in configuration or usage.
package storeerrors

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ErrorCode represents a store error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	// ErrorCodeConcurrencyConflict indicates that a write affected fewer rows
	// than expected: a stale etag, a missing row, or a duplicate insert.
	ErrorCodeConcurrencyConflict

	// ErrorCodeSessionPoisoned indicates SaveChanges was called on a session
	// whose previous SaveChanges failed.
	ErrorCodeSessionPoisoned

	// ErrorCodeEmptyBatch indicates an Execute call with no commands.
	ErrorCodeEmptyBatch

	// ErrorCodeOversizedCommand indicates a single command whose parameter
	// count reaches the driver ceiling.
	ErrorCodeOversizedCommand

	// ErrorCodeTypeMismatch indicates a tracked entity whose concrete type
	// does not satisfy the requested one.
	ErrorCodeTypeMismatch

	// ErrorCodeMigrationFailed indicates a failing schema or document migration step.
	ErrorCodeMigrationFailed

	// ErrorCodeProjectionFailed indicates a failing projection extractor.
	ErrorCodeProjectionFailed
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeConcurrencyConflict:
		return "ConcurrencyConflict"
	case ErrorCodeSessionPoisoned:
		return "SessionPoisoned"
	case ErrorCodeEmptyBatch:
		return "EmptyBatch"
	case ErrorCodeOversizedCommand:
		return "OversizedCommand"
	case ErrorCodeTypeMismatch:
		return "TypeMismatch"
	case ErrorCodeMigrationFailed:
		return "MigrationFailed"
	case ErrorCodeProjectionFailed:
		return "ProjectionFailed"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error represents a store error returned to callers of the session and executor.
type Error struct {
	// This internal error exists only for debugging; it may be nil.
	err error

	code ErrorCode
}

// NewError creates a new store error.
//
// Code must not be 0. Err may be nil.
func NewError(code ErrorCode, err error) *Error {
	if code == 0 {
		panic("storeerrors.NewError: code must not be 0")
	}

	return &Error{
		code: code,
		err:  err,
	}
}

// NewErrorf creates a new store error with a formatted message.
func NewErrorf(code ErrorCode, format string, a ...any) *Error {
	return NewError(code, fmt.Errorf(format, a...))
}

// Code returns the error code.
func (err *Error) Code() ErrorCode {
	return err.code
}

// Error implements error interface.
func (err *Error) Error() string {
	return fmt.Sprintf("%s: %v", err.code, err.err)
}

// ErrorCodeIs returns true if err is *Error with one of the given error codes.
//
// At least one error code must be given.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
