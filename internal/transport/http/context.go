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

package http

import (
	"context"

	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/identity"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated principal attached to a request. Roles and
// permissions are resolved from the store on every request, never taken
// from the access token claims.
type Identity struct {
	User        *identity.User
	Roles       []string
	Permissions []string

	set *authz.EffectiveSet
}

func newIdentity(user *identity.User, set *authz.EffectiveSet) *Identity {
	return &Identity{
		User:        user,
		Roles:       set.RoleNames(),
		Permissions: set.PermissionNames(),
		set:         set,
	}
}

// Can reports whether the identity holds every listed permission.
func (i *Identity) Can(perms ...string) bool {
	if i == nil || i.set == nil {
		return false
	}
	return i.set.HasAll(perms...)
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity attached by the authentication
// middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// GetUserID retrieves the authenticated user ID from context
func GetUserID(ctx context.Context) string {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.User.ID
	}
	return ""
}
