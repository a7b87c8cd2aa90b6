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

package memory

import (
	"context"
	"time"

	"github.com/opentrusty/taskhub/internal/identity"
)

// UserRepository implements identity.UserRepository
type UserRepository struct{ s *Store }

func cloneUser(u *identity.User) *identity.User {
	c := *u
	c.LinkedProviders = make(map[string]string, len(u.LinkedProviders))
	for k, v := range u.LinkedProviders {
		c.LinkedProviders[k] = v
	}
	return &c
}

// Create creates a new user, enforcing unique email and username
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	email := identity.NormalizeEmail(user.Email)
	for _, u := range r.s.users {
		if u.Email == email {
			return identity.ErrDuplicateEmail
		}
		if u.Username == user.Username {
			return identity.ErrDuplicateUsername
		}
	}

	user.Email = email
	r.s.users[user.ID] = cloneUser(user)
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*identity.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return cloneUser(u), nil
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	email = identity.NormalizeEmail(email)
	for _, u := range r.s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, identity.ErrUserNotFound
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*identity.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, u := range r.s.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, identity.ErrUserNotFound
}

// LinkProvider sets one entry of the user's provider map
func (r *UserRepository) LinkProvider(ctx context.Context, userID, provider, subject string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	if u.LinkedProviders == nil {
		u.LinkedProviders = map[string]string{}
	}
	u.LinkedProviders[provider] = subject
	u.UpdatedAt = at
	return nil
}

// SetBlocked sets only the blocked flag
func (r *UserRepository) SetBlocked(ctx context.Context, userID string, blocked bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Blocked = blocked
	u.UpdatedAt = at
	return nil
}

// Update updates user information
func (r *UserRepository) Update(ctx context.Context, user *identity.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.users[user.ID]
	if !ok {
		return identity.ErrUserNotFound
	}

	email := identity.NormalizeEmail(user.Email)
	for id, u := range r.s.users {
		if id == user.ID {
			continue
		}
		if u.Email == email {
			return identity.ErrDuplicateEmail
		}
		if u.Username == user.Username {
			return identity.ErrDuplicateUsername
		}
	}

	user.Email = email
	stored := cloneUser(user)
	stored.Blocked = current.Blocked
	r.s.users[user.ID] = stored
	return nil
}
