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

package identity

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password does not meet security requirements")
	ErrInvalidTwoFactor   = errors.New("invalid two-factor code")
)

// User represents a user identity in the system.
//
// Users are never hard-deleted; blocking is the terminal state an
// administrator can put an account into.
type User struct {
	ID          string
	Email       string
	Username    string
	DisplayName string

	// PasswordHash is empty for accounts that only sign in through an
	// OAuth provider.
	PasswordHash string

	Verified bool
	Blocked  bool

	// LinkedProviders maps provider name to the provider-assigned user id.
	LinkedProviders map[string]string

	// TwoFactorSecret is the base32 TOTP secret; two-factor is enabled
	// when it is non-empty.
	TwoFactorSecret string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// TwoFactorEnabled reports whether logins must present a TOTP code.
func (u *User) TwoFactorEnabled() bool {
	return u.TwoFactorSecret != ""
}

// IsLinked reports whether the given provider is linked to the user.
func (u *User) IsLinked(provider string) bool {
	_, ok := u.LinkedProviders[provider]
	return ok
}

// Name returns the name embedded in access tokens.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// UserRepository defines the interface for user persistence
type UserRepository interface {
	// Create creates a new user. Returns ErrDuplicateEmail or
	// ErrDuplicateUsername when a unique constraint is violated.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByEmail retrieves a user by email, case-insensitively
	GetByEmail(ctx context.Context, email string) (*User, error)

	// GetByUsername retrieves a user by username
	GetByUsername(ctx context.Context, username string) (*User, error)

	// Update updates user information. The blocked flag is not written;
	// use SetBlocked so that a stale copy can never undo a block.
	Update(ctx context.Context, user *User) error

	// SetBlocked writes only the blocked flag. Returns ErrUserNotFound for
	// unknown users.
	SetBlocked(ctx context.Context, userID string, blocked bool, at time.Time) error

	// LinkProvider records subject as the user's id at provider and leaves
	// every other column alone. Returns ErrUserNotFound for unknown users.
	LinkProvider(ctx context.Context, userID, provider, subject string, at time.Time) error
}
