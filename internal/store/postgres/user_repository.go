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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/taskhub/internal/identity"
)

const userColumns = `
	id, email, username, display_name, password_hash, verified, blocked,
	linked_providers, two_factor_secret, created_at, updated_at`

// UserRepository implements identity.UserRepository
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user. Email and username are unique.
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	user.Email = identity.NormalizeEmail(user.Email)
	providers := user.LinkedProviders
	if providers == nil {
		providers = map[string]string{}
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		user.ID, user.Email, user.Username, user.DisplayName, user.PasswordHash,
		user.Verified, user.Blocked, providers, user.TwoFactorSecret,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return mapUserError(err, "failed to insert user")
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*identity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, identity.NormalizeEmail(email))
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*identity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg any) (*identity.User, error) {
	var user identity.User
	err := r.db.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.Username, &user.DisplayName, &user.PasswordHash,
		&user.Verified, &user.Blocked, &user.LinkedProviders, &user.TwoFactorSecret,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.LinkedProviders == nil {
		user.LinkedProviders = map[string]string{}
	}
	return &user, nil
}

// Update updates user information
func (r *UserRepository) Update(ctx context.Context, user *identity.User) error {
	user.Email = identity.NormalizeEmail(user.Email)
	providers := user.LinkedProviders
	if providers == nil {
		providers = map[string]string{}
	}

	result, err := r.db.pool.Exec(ctx, `
		UPDATE users SET
			email = $2,
			username = $3,
			display_name = $4,
			password_hash = $5,
			verified = $6,
			linked_providers = $7,
			two_factor_secret = $8,
			updated_at = $9
		WHERE id = $1
	`,
		user.ID, user.Email, user.Username, user.DisplayName, user.PasswordHash,
		user.Verified, providers, user.TwoFactorSecret, user.UpdatedAt,
	)
	if err != nil {
		return mapUserError(err, "failed to update user")
	}

	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// SetBlocked writes only the blocked flag
func (r *UserRepository) SetBlocked(ctx context.Context, userID string, blocked bool, at time.Time) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE users SET blocked = $2, updated_at = $3 WHERE id = $1
	`, userID, blocked, at)
	if err != nil {
		return fmt.Errorf("failed to set blocked: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// LinkProvider merges one provider entry into linked_providers
func (r *UserRepository) LinkProvider(ctx context.Context, userID, provider, subject string, at time.Time) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE users SET
			linked_providers = linked_providers || jsonb_build_object($2::text, $3::text),
			updated_at = $4
		WHERE id = $1
	`, userID, provider, subject, at)
	if err != nil {
		return fmt.Errorf("failed to link provider: %w", err)
	}

	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

func mapUserError(err error, msg string) error {
	switch uniqueViolation(err) {
	case "users_email_key":
		return identity.ErrDuplicateEmail
	case "users_username_key":
		return identity.ErrDuplicateUsername
	}
	return fmt.Errorf("%s: %w", msg, err)
}
