// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grid

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/treegrid/services/treegrid/segment"
	"github.com/AleutianAI/treegrid/services/treegrid/sessions"
	"github.com/AleutianAI/treegrid/services/treegrid/store"
)

var (
	// ErrValidation is returned for malformed requests. Retrying the same
	// request will fail the same way.
	ErrValidation = errors.New("validation failed")

	// ErrStateNotFound means the session has no index, because it was
	// never loaded or has expired. The client must reload the root.
	ErrStateNotFound = sessions.ErrStateNotFound
)

// StoreError wraps a failure of the relational store or the session state
// store. The engine does not retry; the index is left as it was.
//
// # Example
//
//	var se *grid.StoreError
//	if errors.As(err, &se) {
//	    slog.Error("store failed", "op", se.Op, "error", se.Err)
//	}
type StoreError struct {
	// Op is the store call that failed, e.g. "staged_generations".
	Op  string
	Err error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause so errors.Is matches store.ErrNotFound and
// context errors through a StoreError.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// =============================================================================
// Error Codes
// =============================================================================

// Stable error codes returned to clients and used as metric labels.
const (
	CodeValidation         = "validation"
	CodeStateNotFound      = "state_not_found"
	CodeSegmentNotFound    = "segment_not_found"
	CodeAlreadyExpanded    = "already_expanded"
	CodeInvariantViolation = "invariant_violation"
	CodeNotFound           = "not_found"
	CodeCanceled           = "canceled"
	CodeUnavailable        = "unavailable"
	CodeStoreError         = "store_error"
	CodeInternal           = "internal"
)

// Code classifies err into one of the stable error codes.
//
// # Description
//
// Order matters: an invariant violation or a cancellation is reported as
// such even when it arrives wrapped in a StoreError.
func Code(err error) string {
	var se *StoreError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, segment.ErrInvariantViolation):
		return CodeInvariantViolation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	case errors.Is(err, ErrValidation),
		errors.Is(err, segment.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, sessions.ErrEmptyKey):
		return CodeValidation
	case errors.Is(err, ErrShuttingDown):
		return CodeUnavailable
	case errors.Is(err, ErrStateNotFound):
		return CodeStateNotFound
	case errors.Is(err, segment.ErrSegmentNotFound):
		return CodeSegmentNotFound
	case errors.Is(err, segment.ErrAlreadyExpanded):
		return CodeAlreadyExpanded
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.As(err, &se):
		return CodeStoreError
	default:
		return CodeInternal
	}
}
