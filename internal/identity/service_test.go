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
	"testing"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/pquerna/otp/totp"
)

// MockUserRepository is a simple in-memory implementation of UserRepository
type MockUserRepository struct {
	users map[string]*User
}

func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{users: make(map[string]*User)}
}

func (m *MockUserRepository) Create(ctx context.Context, user *User) error {
	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicateEmail
		}
		if u.Username == user.Username {
			return ErrDuplicateUsername
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	for _, u := range m.users {
		if u.Email == NormalizeEmail(email) {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MockUserRepository) LinkProvider(ctx context.Context, userID, provider, subject string, at time.Time) error {
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.LinkedProviders == nil {
		u.LinkedProviders = map[string]string{}
	}
	u.LinkedProviders[provider] = subject
	u.UpdatedAt = at
	return nil
}

func (m *MockUserRepository) SetBlocked(ctx context.Context, userID string, blocked bool, at time.Time) error {
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Blocked = blocked
	u.UpdatedAt = at
	return nil
}

func (m *MockUserRepository) Update(ctx context.Context, user *User) error {
	current, ok := m.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	user.Blocked = current.Blocked
	m.users[user.ID] = user
	return nil
}

func newTestService() (*Service, *MockUserRepository) {
	repo := NewMockUserRepository()
	hasher := NewPasswordHasher(65536, 3, 4, 16, 32)
	return NewService(repo, hasher, audit.NewSlogLogger()), repo
}

// TestPurpose: Validates that registration stores a verifiable Argon2id hash and normalizes the email.
// Scope: Unit Test
// Security: Credential storage (no plaintext passwords)
// Expected: Stored hash verifies against the original password only.
// Test Case ID: IDN-01
func TestIdentity_Service_Register(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	user, err := s.Register(ctx, RegisterInput{
		Email:    "  Alice@Example.com ",
		Password: "SecurePassword123",
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	if user.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %q", user.Email)
	}
	if user.Username != "alice" {
		t.Errorf("expected username derived from email, got %q", user.Username)
	}
	if user.Verified {
		t.Error("new password accounts must start unverified")
	}

	ok, err := s.hasher.Verify("SecurePassword123", user.PasswordHash)
	if err != nil || !ok {
		t.Errorf("expected stored hash to verify, got ok=%v err=%v", ok, err)
	}
	ok, _ = s.hasher.Verify("WrongPassword", user.PasswordHash)
	if ok {
		t.Error("expected wrong password to fail verification")
	}
}

// TestPurpose: Validates that registration fails if a user with the same email already exists.
// Scope: Unit Test
// Security: Data Integrity and Unique Constraint Enforcement
// Expected: ErrDuplicateEmail when email is already registered, regardless of case.
// Test Case ID: IDN-02
func TestIdentity_Service_Register_Conflict(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterInput{Email: "conflict@example.com", Username: "one", Password: "SecurePassword123"}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	_, err := s.Register(ctx, RegisterInput{Email: "CONFLICT@example.com", Username: "two", Password: "SecurePassword123"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

// TestPurpose: Validates input checks on registration.
// Scope: Unit Test
// Expected: ErrInvalidEmail and ErrWeakPassword for bad input.
// Test Case ID: IDN-03
func TestIdentity_Service_Register_Validation(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	if _, err := s.Register(ctx, RegisterInput{Email: "not-an-email", Password: "SecurePassword123"}); err != ErrInvalidEmail {
		t.Errorf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := s.Register(ctx, RegisterInput{Email: "ok@example.com", Password: "short"}); err != ErrWeakPassword {
		t.Errorf("expected ErrWeakPassword, got %v", err)
	}
}

// TestPurpose: Validates password change requires the current password and rejects OAuth-only accounts.
// Scope: Unit Test
// Security: Credential change authorization
// Expected: ErrInvalidCredentials for wrong old password or missing hash; success otherwise.
// Test Case ID: IDN-04
func TestIdentity_Service_ChangePassword(t *testing.T) {
	s, repo := newTestService()
	ctx := context.Background()

	user, err := s.Register(ctx, RegisterInput{Email: "bob@example.com", Password: "SecurePassword123"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	if err := s.ChangePassword(ctx, user.ID, "WrongPassword", "NewSecurePassword1"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := s.ChangePassword(ctx, user.ID, "SecurePassword123", "NewSecurePassword1"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	ok, _ := s.hasher.Verify("NewSecurePassword1", repo.users[user.ID].PasswordHash)
	if !ok {
		t.Error("expected new password to verify")
	}

	oauthOnly := &User{ID: "oauth-only", Email: "g@example.com", Username: "g"}
	repo.users[oauthOnly.ID] = oauthOnly
	if err := s.ChangePassword(ctx, oauthOnly.ID, "", "NewSecurePassword1"); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials for OAuth-only account, got %v", err)
	}
}

// TestPurpose: Validates that two-factor is only enabled after proving possession of the secret.
// Scope: Unit Test
// Security: TOTP enrollment
// Expected: Wrong code rejected, current code accepted and secret persisted.
// Test Case ID: IDN-05
func TestIdentity_Service_EnableTwoFactor(t *testing.T) {
	s, repo := newTestService()
	ctx := context.Background()

	user, err := s.Register(ctx, RegisterInput{Email: "carol@example.com", Password: "SecurePassword123"})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	key, err := NewTwoFactorKey("TaskHub", user.Email)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("failed to generate code: %v", err)
	}

	wrong := []byte(code)
	wrong[0] = '0' + (wrong[0]-'0'+5)%10
	if !ValidateTwoFactorCode(key.Secret(), string(wrong), time.Now()) {
		if err := s.EnableTwoFactor(ctx, user.ID, key.Secret(), string(wrong)); err != ErrInvalidTwoFactor {
			t.Errorf("expected ErrInvalidTwoFactor, got %v", err)
		}
	}

	if err := s.EnableTwoFactor(ctx, user.ID, key.Secret(), code); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !repo.users[user.ID].TwoFactorEnabled() {
		t.Error("expected two-factor to be enabled")
	}
}

// TestPurpose: Validates blocking and unblocking of accounts.
// Scope: Unit Test
// Expected: Blocked flag toggles; unknown users return ErrUserNotFound.
// Test Case ID: IDN-06
func TestIdentity_Service_SetBlocked(t *testing.T) {
	s, repo := newTestService()
	ctx := context.Background()

	user, _ := s.Register(ctx, RegisterInput{Email: "dave@example.com", Password: "SecurePassword123"})

	if err := s.SetBlocked(ctx, "admin", user.ID, true); err != nil {
		t.Fatalf("failed to block: %v", err)
	}
	if !repo.users[user.ID].Blocked {
		t.Error("expected user to be blocked")
	}
	if err := s.SetBlocked(ctx, "admin", user.ID, false); err != nil {
		t.Fatalf("failed to unblock: %v", err)
	}
	if repo.users[user.ID].Blocked {
		t.Error("expected user to be unblocked")
	}
	if err := s.SetBlocked(ctx, "admin", "missing", true); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestIdentity_UsernameFromEmail(t *testing.T) {
	tests := map[string]string{
		"john.doe@example.com": "john.doe",
		"John+Tag@example.com": "johntag",
		"@example.com":         "user",
		"under_score@x.io":     "under_score",
		"noatsign":             "noatsign",
	}
	for in, want := range tests {
		if got := UsernameFromEmail(in); got != want {
			t.Errorf("UsernameFromEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingAssigner struct {
	userID, role string
}

func (r *recordingAssigner) AssignRole(ctx context.Context, userID, roleName string) error {
	r.userID, r.role = userID, roleName
	return nil
}

// TestPurpose: Validates that bootstrap promotes the configured account and is a no-op when unset.
// Scope: Unit Test
// Security: Initial privilege grant
// Expected: Admin role assigned to the configured email only.
// Test Case ID: IDN-07
func TestIdentity_BootstrapService(t *testing.T) {
	s, repo := newTestService()
	ctx := context.Background()
	user, _ := s.Register(ctx, RegisterInput{Email: "root@example.com", Password: "SecurePassword123"})

	assigner := &recordingAssigner{}
	b := NewBootstrapService(repo, assigner, "Admin", audit.NewSlogLogger())

	t.Setenv(EnvBootstrapAdminEmail, "")
	if err := b.Bootstrap(ctx); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if assigner.userID != "" {
		t.Fatal("expected no assignment when unset")
	}

	t.Setenv(EnvBootstrapAdminEmail, "ROOT@example.com")
	if err := b.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if assigner.userID != user.ID || assigner.role != "Admin" {
		t.Errorf("unexpected assignment %+v", assigner)
	}

	t.Setenv(EnvBootstrapAdminEmail, "nobody@example.com")
	if err := b.Bootstrap(ctx); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

// TestPurpose: Validates that bootstrap creates a verified admin account when a password is configured.
// Scope: Unit Test
// Security: Initial privilege grant on an empty install
// Expected: Account created, verified and promoted; a weak password is rejected.
// Test Case ID: IDN-08
func TestIdentity_BootstrapCreatesAccount(t *testing.T) {
	s, repo := newTestService()
	ctx := context.Background()

	assigner := &recordingAssigner{}
	b := NewBootstrapService(repo, assigner, "Admin", audit.NewSlogLogger()).WithAccountCreation(s)

	t.Setenv(EnvBootstrapAdminEmail, "first@example.com")
	t.Setenv(EnvBootstrapAdminPassword, "short")
	if err := b.Bootstrap(ctx); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	t.Setenv(EnvBootstrapAdminPassword, "SecurePassword123")
	if err := b.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	user, err := repo.GetByEmail(ctx, "first@example.com")
	if err != nil {
		t.Fatalf("expected account to exist: %v", err)
	}
	if !user.Verified {
		t.Error("expected bootstrap account to be verified")
	}
	if assigner.userID != user.ID || assigner.role != "Admin" {
		t.Errorf("unexpected assignment %+v", assigner)
	}
}
