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

// Package memory is a thread-safe in-memory credential store for tests and
// local development. It enforces the same uniqueness and atomicity rules
// as the PostgreSQL store.
package memory

import (
	"sync"

	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
	"github.com/opentrusty/taskhub/internal/oauth"
	"github.com/opentrusty/taskhub/internal/token"
)

// Store holds every table behind a single lock.
type Store struct {
	mu sync.RWMutex

	users map[string]*identity.User

	roles       map[string]*authz.Role
	permissions map[string]*authz.Permission
	assignments map[edge]*authz.RoleAssignment
	rolePerms   map[edge]struct{}

	refresh        map[string]*token.RefreshToken
	refreshByValue map[string]string

	links map[string]*oauth.PendingLink
}

type edge struct{ from, to string }

// New creates an empty store.
func New() *Store {
	return &Store{
		users:          make(map[string]*identity.User),
		roles:          make(map[string]*authz.Role),
		permissions:    make(map[string]*authz.Permission),
		assignments:    make(map[edge]*authz.RoleAssignment),
		rolePerms:      make(map[edge]struct{}),
		refresh:        make(map[string]*token.RefreshToken),
		refreshByValue: make(map[string]string),
		links:          make(map[string]*oauth.PendingLink),
	}
}

// Users returns the identity.UserRepository view of the store.
func (s *Store) Users() *UserRepository { return &UserRepository{s: s} }

// Roles returns the authz.RoleRepository view of the store.
func (s *Store) Roles() *RoleRepository { return &RoleRepository{s: s} }

// Permissions returns the authz.PermissionRepository view of the store.
func (s *Store) Permissions() *PermissionRepository { return &PermissionRepository{s: s} }

// Assignments returns the authz.AssignmentRepository view of the store.
func (s *Store) Assignments() *AssignmentRepository { return &AssignmentRepository{s: s} }

// RolePermissions returns the authz.RolePermissionRepository view of the store.
func (s *Store) RolePermissions() *RolePermissionRepository { return &RolePermissionRepository{s: s} }

// RefreshTokens returns the token.RefreshTokenRepository view of the store.
func (s *Store) RefreshTokens() *RefreshTokenRepository { return &RefreshTokenRepository{s: s} }

// PendingLinks returns the oauth.PendingLinkRepository view of the store.
func (s *Store) PendingLinks() *PendingLinkRepository { return &PendingLinkRepository{s: s} }
