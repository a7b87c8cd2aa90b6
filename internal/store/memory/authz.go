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
	"sort"

	"github.com/opentrusty/taskhub/internal/authz"
)

// RoleRepository implements authz.RoleRepository
type RoleRepository struct{ s *Store }

// Create creates a new role with a unique name
func (r *RoleRepository) Create(ctx context.Context, role *authz.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.roles {
		if existing.Name == role.Name {
			return authz.ErrRoleAlreadyExists
		}
	}
	c := *role
	r.s.roles[role.ID] = &c
	return nil
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*authz.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	role, ok := r.s.roles[id]
	if !ok {
		return nil, authz.ErrRoleNotFound
	}
	c := *role
	return &c, nil
}

// GetByIDs retrieves the roles that exist among ids
func (r *RoleRepository) GetByIDs(ctx context.Context, ids []string) ([]*authz.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*authz.Role, 0, len(ids))
	for _, id := range ids {
		if role, ok := r.s.roles[id]; ok {
			c := *role
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetByName retrieves a role by name
func (r *RoleRepository) GetByName(ctx context.Context, name string) (*authz.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, role := range r.s.roles {
		if role.Name == name {
			c := *role
			return &c, nil
		}
	}
	return nil, authz.ErrRoleNotFound
}

// List retrieves all roles ordered by name
func (r *RoleRepository) List(ctx context.Context) ([]*authz.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*authz.Role, 0, len(r.s.roles))
	for _, role := range r.s.roles {
		c := *role
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PermissionRepository implements authz.PermissionRepository
type PermissionRepository struct{ s *Store }

// Create creates a new permission with a unique name
func (r *PermissionRepository) Create(ctx context.Context, perm *authz.Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.permissions {
		if existing.Name == perm.Name {
			return authz.ErrPermissionAlreadyExists
		}
	}
	c := *perm
	r.s.permissions[perm.ID] = &c
	return nil
}

// GetByID retrieves a permission by ID
func (r *PermissionRepository) GetByID(ctx context.Context, id string) (*authz.Permission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.permissions[id]
	if !ok {
		return nil, authz.ErrPermissionNotFound
	}
	c := *p
	return &c, nil
}

// GetByIDs retrieves the permissions that exist among ids
func (r *PermissionRepository) GetByIDs(ctx context.Context, ids []string) ([]*authz.Permission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*authz.Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.s.permissions[id]; ok {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

// GetByName retrieves a permission by name
func (r *PermissionRepository) GetByName(ctx context.Context, name string) (*authz.Permission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, p := range r.s.permissions {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, authz.ErrPermissionNotFound
}

// AssignmentRepository implements authz.AssignmentRepository
type AssignmentRepository struct{ s *Store }

// Grant assigns a role to a user; existing edges are kept as they are
func (r *AssignmentRepository) Grant(ctx context.Context, a *authz.RoleAssignment) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := edge{a.UserID, a.RoleID}
	if _, ok := r.s.assignments[key]; ok {
		return false, nil
	}
	c := *a
	r.s.assignments[key] = &c
	return true, nil
}

// Revoke removes a role assignment
func (r *AssignmentRepository) Revoke(ctx context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.assignments, edge{userID, roleID})
	return nil
}

// ListForUser retrieves all assignments for a user
func (r *AssignmentRepository) ListForUser(ctx context.Context, userID string) ([]*authz.RoleAssignment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*authz.RoleAssignment
	for key, a := range r.s.assignments {
		if key.from == userID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

// RolePermissionRepository implements authz.RolePermissionRepository
type RolePermissionRepository struct{ s *Store }

// Grant attaches a permission to a role
func (r *RolePermissionRepository) Grant(ctx context.Context, roleID, permissionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.rolePerms[edge{roleID, permissionID}] = struct{}{}
	return nil
}

// FindByRoles retrieves the permission edges of the given roles
func (r *RolePermissionRepository) FindByRoles(ctx context.Context, roleIDs []string) ([]*authz.RolePermission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	want := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}

	var out []*authz.RolePermission
	for key := range r.s.rolePerms {
		if _, ok := want[key.from]; ok {
			out = append(out, &authz.RolePermission{RoleID: key.from, PermissionID: key.to})
		}
	}
	return out, nil
}
