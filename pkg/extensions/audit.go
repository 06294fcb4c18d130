// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security-relevant event.
//
// # Event Types
//
//   - "record.insert", "record.update", "record.delete": tree mutations
//   - "session.delete": explicit session removal
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "record.delete",
//	    UserID:       authInfo.UserID,
//	    Action:       "delete",
//	    ResourceType: "record",
//	    ResourceID:   "42",
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"stage_date": "2025-05-01"},
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred, in UTC.
	// If zero, implementations set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	Action       string
	ResourceType string
	ResourceID   string

	// Outcome is "success", "denied" or "error".
	Outcome string

	// Metadata holds event-specific details such as "error",
	// "request_id" or "session_key_hash".
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use and must return quickly;
// Log is called on the request path.
type AuditLogger interface {
	// Log records an event. Implementations set Timestamp if zero.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

// SlogAuditLogger writes each event as one structured log record.
//
// Thread Safety: Safe for concurrent use; slog handlers serialize writes.
type SlogAuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSlogAuditLogger creates an audit logger on top of logger. Events are
// written at Info under the "audit" group.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger, now: time.Now}
}

// Log writes the event synchronously.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		meta := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; every event is written by Log.
func (l *SlogAuditLogger) Flush(_ context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
