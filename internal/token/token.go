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

// Package token issues, verifies and rotates the credentials handed to
// clients: short-lived signed access tokens and long-lived opaque refresh
// tokens tracked in the credential store.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Domain errors
var (
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrSecretTooShort       = errors.New("signing secret must be at least 32 bytes")
)

const (
	// DefaultAccessTTL is the lifetime of an access token.
	DefaultAccessTTL = 15 * time.Minute

	// DefaultRefreshTTL is the lifetime of a refresh token.
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// RefreshTokenBytes is the entropy of a refresh token. Rendered as hex
	// the token is twice as long.
	RefreshTokenBytes = 40
)

// Claims is the payload of an access token.
type Claims struct {
	UserID   string   `json:"userId"`
	Roles    []string `json:"roles"`
	UserName string   `json:"userName"`
	jwt.RegisteredClaims
}

// DeviceMeta identifies the client a refresh token was issued to.
type DeviceMeta struct {
	DeviceInfo string
	IPAddress  string
}

// TokenPair is the result of a successful issuance or rotation.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time

	// SessionID is the id of the refresh token record.
	SessionID string
}

// RefreshToken is a persisted refresh token. Each one represents a session
// on one device.
type RefreshToken struct {
	ID         string
	Token      string
	UserID     string
	DeviceInfo string
	IPAddress  string
	ExpiresAt  time.Time
	IsRevoked  bool
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// IsExpired reports whether the token is past its expiry at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether the token can still be rotated at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked && !t.IsExpired(now)
}

// RefreshTokenRepository defines the interface for refresh token persistence
type RefreshTokenRepository interface {
	// Create persists a new refresh token. Token values are unique.
	Create(ctx context.Context, token *RefreshToken) error

	// GetByToken retrieves a refresh token by its value
	GetByToken(ctx context.Context, token string) (*RefreshToken, error)

	// GetByID retrieves a refresh token by ID
	GetByID(ctx context.Context, id string) (*RefreshToken, error)

	// ListByUserAndDevice retrieves all refresh tokens of a user on one device
	ListByUserAndDevice(ctx context.Context, userID, deviceInfo string) ([]*RefreshToken, error)

	// ListByUser retrieves all refresh tokens of a user, newest first
	ListByUser(ctx context.Context, userID string) ([]*RefreshToken, error)

	// Revoke marks a non-revoked token as revoked. Returns
	// ErrRefreshTokenNotFound when no such active row exists.
	Revoke(ctx context.Context, id string) error

	// RevokeAllForUser revokes every non-revoked token of a user and
	// returns the number revoked
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)

	// Rotate atomically revokes oldToken and persists next. When oldToken
	// is missing or already revoked nothing is written and
	// ErrRefreshTokenNotFound is returned, so of two concurrent rotations
	// of the same token at most one succeeds.
	Rotate(ctx context.Context, oldToken string, next *RefreshToken) error

	// DeleteExpiredOrRevoked removes tokens that expired before the given
	// time or were revoked, returning the number removed
	DeleteExpiredOrRevoked(ctx context.Context, before time.Time) (int64, error)
}

// RoleSource resolves the role names embedded in access tokens.
type RoleSource interface {
	RoleNames(ctx context.Context, userID string) ([]string, error)
}
