// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap it with additional context.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID is the identity of every caller when auth is disabled.
const LocalUserID = "local-user"

// AuthInfo contains identity information returned after successful authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - Roles: Role memberships used by AuthzProvider
type AuthInfo struct {
	UserID string
	Email  string
	Roles  []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Returns ErrUnauthorized (or a wrap of it) for a bad token, other
	// errors for provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action, resource).
//
// Example:
//
//	req := AuthzRequest{
//	    User:         authInfo,
//	    Action:       "delete",
//	    ResourceType: "record",
//	    ResourceID:   "42",
//	}
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string

	// ResourceID is empty for checks on the resource type in general.
	ResourceID string
}

// AuthzProvider checks if a user is authorized to perform an action.
type AuthzProvider interface {
	// Authorize returns nil when the action is allowed and ErrUnauthorized
	// (or a wrap of it) when it is denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// =============================================================================
// No-op Implementations
// =============================================================================

// NopAuthProvider accepts every token, including none, as the local user
// with admin privileges.
type NopAuthProvider struct{}

// Validate always returns the local user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: LocalUserID,
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// =============================================================================
// Static Token Provider
// =============================================================================

// StaticTokenProvider accepts exactly one shared bearer token.
//
// # Description
//
// For small deployments that put the service on a network without an
// identity provider. Every holder of the token is the same "token-user"
// with the roles given at construction.
//
// # Thread Safety
//
// Safe for concurrent use; the provider is immutable.
type StaticTokenProvider struct {
	token []byte
	roles []string
}

// NewStaticTokenProvider creates a provider for token. An empty token
// rejects every request.
func NewStaticTokenProvider(token string, roles ...string) *StaticTokenProvider {
	if len(roles) == 0 {
		roles = []string{"editor"}
	}
	return &StaticTokenProvider{token: []byte(token), roles: roles}
}

// Validate compares token with the configured one in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if len(p.token) == 0 || token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare(p.token, []byte(token)) != 1 {
		return nil, fmt.Errorf("token mismatch: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: "token-user", Roles: slices.Clone(p.roles)}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
