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

// Package store opens the configured credential store backend and exposes
// its repositories behind the domain interfaces.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/config"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/observability/logger"
	"github.com/opentrusty/taskhub/internal/store/memory"
	"github.com/opentrusty/taskhub/internal/store/postgres"
	"github.com/opentrusty/taskhub/internal/token"
)

// Store bundles the repositories of one backend
type Store struct {
	Users           identity.UserRepository
	Roles           authz.RoleRepository
	Permissions     authz.PermissionRepository
	Assignments     authz.AssignmentRepository
	RolePermissions authz.RolePermissionRepository
	RefreshTokens   token.RefreshTokenRepository
	PendingLinks    oauth.PendingLinkRepository

	// DB is nil for the memory driver
	DB *postgres.DB
}

// Open connects the backend selected by cfg.Store.Driver. With the
// postgres driver and AutoMigrate set the schema is applied first.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		slog.WarnContext(ctx, "using in-memory credential store; data is lost on restart",
			logger.Component("store"),
		)
		return NewMemory(memory.New()), nil

	case config.DriverPostgres:
		db, err := postgres.New(ctx, DatabaseConfig(cfg))
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to migrate: %w", err)
			}
		}
		slog.InfoContext(ctx, "connected to database", logger.Component("store"))
		return NewPostgres(db), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// DatabaseConfig maps application configuration to the postgres adapter
func DatabaseConfig(cfg *config.Config) postgres.Config {
	return postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}
}

// NewMemory wraps an in-memory store
func NewMemory(m *memory.Store) *Store {
	return &Store{
		Users:           m.Users(),
		Roles:           m.Roles(),
		Permissions:     m.Permissions(),
		Assignments:     m.Assignments(),
		RolePermissions: m.RolePermissions(),
		RefreshTokens:   m.RefreshTokens(),
		PendingLinks:    m.PendingLinks(),
	}
}

// NewPostgres wraps a connected database
func NewPostgres(db *postgres.DB) *Store {
	return &Store{
		Users:           postgres.NewUserRepository(db),
		Roles:           postgres.NewRoleRepository(db),
		Permissions:     postgres.NewPermissionRepository(db),
		Assignments:     postgres.NewAssignmentRepository(db),
		RolePermissions: postgres.NewRolePermissionRepository(db),
		RefreshTokens:   postgres.NewRefreshTokenRepository(db),
		PendingLinks:    postgres.NewPendingLinkRepository(db),
		DB:              db,
	}
}

// Ping checks the backend; the memory store is always reachable
func (s *Store) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Ping(ctx)
}

// Close releases backend resources
func (s *Store) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}
