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
	"fmt"
	"strings"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/id"
)

// RegisterInput carries the fields needed to create a password account.
type RegisterInput struct {
	Email       string
	Username    string
	DisplayName string
	Password    string
}

// Service provides identity-related business logic
type Service struct {
	repo        UserRepository
	hasher      *PasswordHasher
	auditLogger audit.Logger
	now         func() time.Time
}

// NewService creates a new identity service
func NewService(repo UserRepository, hasher *PasswordHasher, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		hasher:      hasher,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Register creates a password account. New accounts start unverified.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if !isStrongPassword(in.Password) {
		return nil, ErrWeakPassword
	}

	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = UsernameFromEmail(email)
	}

	passwordHash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &User{
		ID:              id.NewUUIDv7(),
		Email:           email,
		Username:        username,
		DisplayName:     strings.TrimSpace(in.DisplayName),
		PasswordHash:    passwordHash,
		LinkedProviders: map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) || errors.Is(err, ErrDuplicateUsername) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeUserCreated,
		ActorID:  user.ID,
		Resource: "user",
		Metadata: map[string]any{audit.AttrEmail: user.Email},
	})

	return user, nil
}

// GetUser retrieves a user by ID
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.repo.GetByID(ctx, userID)
}

// MarkVerified flags the user's email as verified.
func (s *Service) MarkVerified(ctx context.Context, userID string) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Verified {
		return nil
	}
	user.Verified = true
	user.UpdatedAt = s.now()
	return s.repo.Update(ctx, user)
}

// SetBlocked blocks or unblocks an account. A block is enforced on the
// user's next authenticated request.
func (s *Service) SetBlocked(ctx context.Context, actorID, userID string, blocked bool) error {
	if err := s.repo.SetBlocked(ctx, userID, blocked, s.now()); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	eventType := audit.TypeUserUnblocked
	if blocked {
		eventType = audit.TypeUserBlocked
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     eventType,
		ActorID:  actorID,
		Resource: userID,
	})
	return nil
}

// ChangePassword changes user password
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	// OAuth-only accounts have nothing to compare against.
	if !user.HasPassword() {
		return ErrInvalidCredentials
	}

	valid, err := s.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil || !valid {
		return ErrInvalidCredentials
	}

	if !isStrongPassword(newPassword) {
		return ErrWeakPassword
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user.PasswordHash = newHash
	user.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypePasswordChanged,
		ActorID:  userID,
		Resource: "user_credentials",
	})
	return nil
}

// EnableTwoFactor stores secret on the account once the user proves
// possession of it by presenting a current code.
func (s *Service) EnableTwoFactor(ctx context.Context, userID, secret, code string) error {
	if !ValidateTwoFactorCode(secret, code, s.now()) {
		return ErrInvalidTwoFactor
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	user.TwoFactorSecret = secret
	user.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to enable two-factor: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTwoFactorEnabled,
		ActorID:  userID,
		Resource: "user_credentials",
	})
	return nil
}

// NormalizeEmail lower-cases and trims an email address. Emails are
// compared in this form everywhere.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UsernameFromEmail derives a username from the local part of an email,
// keeping only characters that are safe in URLs.
func UsernameFromEmail(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

func isValidEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return len(email) > 3 && len(email) < 255 && at > 0 && at < len(email)-1
}

func isStrongPassword(password string) bool {
	return len(password) >= 8
}
