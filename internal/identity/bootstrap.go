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
	"log/slog"
	"os"

	"github.com/opentrusty/taskhub/internal/audit"
)

const (
	EnvBootstrapAdminEmail    = "TASKHUB_BOOTSTRAP_ADMIN_EMAIL"
	EnvBootstrapAdminPassword = "TASKHUB_BOOTSTRAP_ADMIN_PASSWORD"
)

// RoleAssigner grants a named role to a user.
type RoleAssigner interface {
	AssignRole(ctx context.Context, userID, roleName string) error
}

// BootstrapService promotes the first administrator of a fresh install.
type BootstrapService struct {
	users       UserRepository
	roles       RoleAssigner
	adminRole   string
	auditLogger audit.Logger
	accounts    *Service
}

// NewBootstrapService creates a new bootstrap service
func NewBootstrapService(users UserRepository, roles RoleAssigner, adminRole string, auditLogger audit.Logger) *BootstrapService {
	return &BootstrapService{
		users:       users,
		roles:       roles,
		adminRole:   adminRole,
		auditLogger: auditLogger,
	}
}

// WithAccountCreation lets Bootstrap create the administrator account when
// it does not exist yet and a bootstrap password is configured.
func (s *BootstrapService) WithAccountCreation(accounts *Service) *BootstrapService {
	s.accounts = accounts
	return s
}

// Bootstrap grants the admin role to the account named by
// TASKHUB_BOOTSTRAP_ADMIN_EMAIL. It does nothing when the variable is unset
// and is safe to run on every start because role assignment is idempotent.
func (s *BootstrapService) Bootstrap(ctx context.Context) error {
	email := NormalizeEmail(os.Getenv(EnvBootstrapAdminEmail))
	if email == "" {
		return nil
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) && s.accounts != nil && os.Getenv(EnvBootstrapAdminPassword) != "" {
		user, err = s.createAdmin(ctx, email, os.Getenv(EnvBootstrapAdminPassword))
	}
	if err != nil {
		return fmt.Errorf("bootstrap account %s: %w", email, err)
	}

	if err := s.roles.AssignRole(ctx, user.ID, s.adminRole); err != nil {
		return fmt.Errorf("failed to grant %s role during bootstrap: %w", s.adminRole, err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAdminBootstrap,
		ActorID:  audit.ActorSystem,
		Resource: user.ID,
		Metadata: map[string]any{
			audit.AttrEmail: email,
			audit.AttrRole:  s.adminRole,
		},
	})

	slog.InfoContext(ctx, "bootstrapped initial administrator", slog.String("email", email))
	return nil
}

func (s *BootstrapService) createAdmin(ctx context.Context, email, password string) (*User, error) {
	user, err := s.accounts.Register(ctx, RegisterInput{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	if err := s.accounts.MarkVerified(ctx, user.ID); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "created bootstrap administrator account", slog.String("email", email))
	return user, nil
}
