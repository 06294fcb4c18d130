// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package segment

import (
	"errors"
	"fmt"
)

var (
	// ErrSegmentNotFound means no segment holds the requested node. The
	// caller's view of the grid is stale.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrAlreadyExpanded means the node's children are already in the index.
	ErrAlreadyExpanded = errors.New("node already expanded")

	// ErrInvalidRequest means the request arguments are out of range.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvariantViolation is matched by every *InvariantError.
	ErrInvariantViolation = errors.New("segment index invariant violated")
)

// InvariantError describes a broken structural invariant of an Index.
//
// It is never expected in a correct program. Callers must not retry the
// operation or keep using the index it came from.
type InvariantError struct {
	// Rule names the broken invariant, e.g. "dense-positions".
	Rule string

	// SegmentID is the first offending segment, 0 when not tied to one.
	SegmentID int

	// Detail is a human-readable description.
	Detail string
}

func (e *InvariantError) Error() string {
	if e.SegmentID != 0 {
		return fmt.Sprintf("%s: %s (segment %d): %s", ErrInvariantViolation, e.Rule, e.SegmentID, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvariantViolation, e.Rule, e.Detail)
}

// Is makes errors.Is(err, ErrInvariantViolation) succeed.
func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

func invariantf(rule string, segmentID int, format string, args ...any) *InvariantError {
	return &InvariantError{Rule: rule, SegmentID: segmentID, Detail: fmt.Sprintf(format, args...)}
}
