// Copyright 2026 The OpenTrusty Authors
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

// Package oauth maps external identity provider profiles onto local
// accounts.
package oauth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmailRequired    = errors.New("provider profile has no email")
	ErrStateInvalid     = errors.New("oauth state is invalid or expired")
	ErrUnsupportedToken = errors.New("unsupported provider token shape")
	ErrProviderNotFound = errors.New("oauth provider not configured")
)

// Profile is the identity asserted by an external provider.
type Profile struct {
	Email          string
	Name           string
	ProviderUserID string
}

// Provider is an external OAuth 2.0 identity provider.
type Provider interface {
	// Name returns the provider key used in routes and linked accounts
	Name() string

	// AuthCodeURL returns the URL the browser is redirected to
	AuthCodeURL(state, codeVerifier string) string

	// FetchProfile exchanges an authorization code and returns the
	// verified profile of the signed-in user
	FetchProfile(ctx context.Context, code, codeVerifier string) (*Profile, error)
}

// PendingLink is the server side half of an authorization request. It is
// keyed by the hash of the state value handed to the browser.
type PendingLink struct {
	ID           string
	StateHash    string
	Provider     string
	UserID       string
	RedirectPath string
	CodeVerifier string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// PendingLinkRepository defines the interface for pending link persistence
type PendingLinkRepository interface {
	// Create stores a pending link
	Create(ctx context.Context, link *PendingLink) error

	// Consume deletes and returns the link for stateHash. Returns
	// ErrStateInvalid when no such link exists.
	Consume(ctx context.Context, stateHash string) (*PendingLink, error)

	// DeleteExpired removes links that expired before the given time
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
