// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable security hooks of the tree grid
// service.
//
// The service runs standalone with no-op defaults: every caller is the
// local user, every action is allowed and nothing is audited. Deployments
// that sit behind an identity provider or need an audit trail inject their
// own implementations through ServiceOptions.
//
// # Extension Categories
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: Audit logging of record mutations (AuditLogger)
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewStaticTokenProvider(token)).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
//	svc, err := treegrid.New(cfg, &opts, logger)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults by
// Normalize.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (always returns the local user)
	AuthProvider AuthProvider

	// AuthzProvider checks permissions for record mutations.
	// Default: NopAuthzProvider (always allows)
	AuthzProvider AuthzProvider

	// AuditLogger records record mutations.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// Normalize returns a copy of opts with every nil field set to its no-op
// default.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = &NopAuthzProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
