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

package authz_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/authz"
	"github.com/opentrusty/taskhub/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRoleRepository implements authz.RoleRepository for testing
type MockRoleRepository struct {
	roles map[string]*authz.Role
}

func (m *MockRoleRepository) Create(ctx context.Context, role *authz.Role) error {
	m.roles[role.ID] = role
	return nil
}
func (m *MockRoleRepository) GetByID(ctx context.Context, id string) (*authz.Role, error) {
	if r, ok := m.roles[id]; ok {
		return r, nil
	}
	return nil, authz.ErrRoleNotFound
}
func (m *MockRoleRepository) GetByIDs(ctx context.Context, ids []string) ([]*authz.Role, error) {
	var out []*authz.Role
	for _, id := range ids {
		if r, ok := m.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
func (m *MockRoleRepository) GetByName(ctx context.Context, name string) (*authz.Role, error) {
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, authz.ErrRoleNotFound
}
func (m *MockRoleRepository) List(ctx context.Context) ([]*authz.Role, error) {
	var out []*authz.Role
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

// MockPermissionRepository implements authz.PermissionRepository for testing
type MockPermissionRepository struct {
	perms map[string]*authz.Permission
}

func (m *MockPermissionRepository) Create(ctx context.Context, p *authz.Permission) error {
	m.perms[p.ID] = p
	return nil
}
func (m *MockPermissionRepository) GetByID(ctx context.Context, id string) (*authz.Permission, error) {
	if p, ok := m.perms[id]; ok {
		return p, nil
	}
	return nil, authz.ErrPermissionNotFound
}
func (m *MockPermissionRepository) GetByIDs(ctx context.Context, ids []string) ([]*authz.Permission, error) {
	var out []*authz.Permission
	for _, id := range ids {
		if p, ok := m.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
func (m *MockPermissionRepository) GetByName(ctx context.Context, name string) (*authz.Permission, error) {
	for _, p := range m.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, authz.ErrPermissionNotFound
}

// MockAssignmentRepository implements authz.AssignmentRepository for testing
type MockAssignmentRepository struct {
	edges map[[2]string]*authz.RoleAssignment
}

func (m *MockAssignmentRepository) Grant(ctx context.Context, a *authz.RoleAssignment) (bool, error) {
	key := [2]string{a.UserID, a.RoleID}
	if _, ok := m.edges[key]; ok {
		return false, nil
	}
	m.edges[key] = a
	return true, nil
}
func (m *MockAssignmentRepository) Revoke(ctx context.Context, userID, roleID string) error {
	delete(m.edges, [2]string{userID, roleID})
	return nil
}
func (m *MockAssignmentRepository) ListForUser(ctx context.Context, userID string) ([]*authz.RoleAssignment, error) {
	var out []*authz.RoleAssignment
	for k, a := range m.edges {
		if k[0] == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

// MockRolePermissionRepository implements authz.RolePermissionRepository and
// counts batched lookups.
type MockRolePermissionRepository struct {
	edges map[[2]string]struct{}
	calls int
}

func (m *MockRolePermissionRepository) Grant(ctx context.Context, roleID, permissionID string) error {
	m.edges[[2]string{roleID, permissionID}] = struct{}{}
	return nil
}
func (m *MockRolePermissionRepository) FindByRoles(ctx context.Context, roleIDs []string) ([]*authz.RolePermission, error) {
	m.calls++
	want := map[string]bool{}
	for _, id := range roleIDs {
		want[id] = true
	}
	var out []*authz.RolePermission
	for k := range m.edges {
		if want[k[0]] {
			out = append(out, &authz.RolePermission{RoleID: k[0], PermissionID: k[1]})
		}
	}
	return out, nil
}

type auditRecorder struct {
	events []audit.Event
}

func (a *auditRecorder) Log(ctx context.Context, e audit.Event) {
	a.events = append(a.events, e)
}

func (a *auditRecorder) count(eventType string) int {
	n := 0
	for _, e := range a.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	resolver    *authz.Resolver
	audit       *auditRecorder
	roles       *MockRoleRepository
	perms       *MockPermissionRepository
	assignments *MockAssignmentRepository
	rolePerms   *MockRolePermissionRepository
}

func newFixture() *fixture {
	f := &fixture{
		roles:       &MockRoleRepository{roles: map[string]*authz.Role{}},
		perms:       &MockPermissionRepository{perms: map[string]*authz.Permission{}},
		assignments: &MockAssignmentRepository{edges: map[[2]string]*authz.RoleAssignment{}},
		rolePerms:   &MockRolePermissionRepository{edges: map[[2]string]struct{}{}},
		audit:       &auditRecorder{},
	}
	f.resolver = authz.NewResolver(f.roles, f.perms, f.assignments, f.rolePerms, f.audit)
	return f
}

func (f *fixture) role(id, name string, permIDs ...string) {
	f.roles.roles[id] = &authz.Role{ID: id, Name: name}
	for _, p := range permIDs {
		f.rolePerms.edges[[2]string{id, p}] = struct{}{}
	}
}

func (f *fixture) perm(id, name string) {
	f.perms.perms[id] = &authz.Permission{ID: id, Name: name}
}

func names(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TestPurpose: Validates that effective permissions are the union over all assigned roles, and shrink when a role is removed.
// Scope: Unit Test
// Security: Authorization correctness (no stale grants)
// Expected: {p1,p2,p3} with roles A and B; {p2,p3} after revoking A.
// Test Case ID: AZ-01
func TestAuthz_Resolver_UnionAndRevoke(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.perm("p1", "p1")
	f.perm("p2", "p2")
	f.perm("p3", "p3")
	f.role("role-a", "A", "p1", "p2")
	f.role("role-b", "B", "p2", "p3")

	require.NoError(t, f.resolver.AssignRole(ctx, "user-1", "A"))
	require.NoError(t, f.resolver.AssignRole(ctx, "user-1", "B"))

	set, err := f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names(set.Roles), "AZ-01: roles")
	assert.Equal(t, []string{"p1", "p2", "p3"}, names(set.Permissions), "AZ-01: permission union")

	require.NoError(t, f.resolver.RevokeRole(ctx, "admin", "user-1", "A"))

	set, err = f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, names(set.Permissions), "AZ-01: permission set after revoke")
}

// TestPurpose: Validates that dangling role and permission references are dropped without error.
// Scope: Unit Test
// Expected: Resolution succeeds with only the live role and permission.
// Test Case ID: AZ-02
func TestAuthz_Resolver_DanglingEdgesDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.perm("p1", "p1")
	f.role("role-a", "A", "p1", "p-missing")
	f.assignments.edges[[2]string{"user-1", "role-a"}] = &authz.RoleAssignment{UserID: "user-1", RoleID: "role-a"}
	f.assignments.edges[[2]string{"user-1", "role-gone"}] = &authz.RoleAssignment{UserID: "user-1", RoleID: "role-gone"}

	set, err := f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, set.RoleNames())
	assert.Equal(t, []string{"p1"}, set.PermissionNames())
}

// TestPurpose: Validates that role-permission edges are fetched in a single batched call.
// Scope: Unit Test
// Expected: FindByRoles is called exactly once per resolution regardless of role count.
// Test Case ID: AZ-03
func TestAuthz_Resolver_BatchedLookup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for _, r := range []string{"r1", "r2", "r3", "r4"} {
		f.perm("perm-"+r, "perm-"+r)
		f.role(r, r, "perm-"+r)
		require.NoError(t, f.resolver.AssignRole(ctx, "user-1", r))
	}

	set, err := f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, set.Permissions, 4)
	assert.Equal(t, 1, f.rolePerms.calls, "AZ-03: role permissions must be loaded in one call")
}

// TestPurpose: Validates that resolution is deterministic and that a user with no roles resolves to empty sets.
// Scope: Unit Test
// Expected: Identical sets across calls; empty, non-nil sets for unassigned users.
// Test Case ID: AZ-04
func TestAuthz_Resolver_Deterministic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.perm("p1", "p1")
	f.perm("p2", "p2")
	f.role("role-a", "A", "p1", "p2")
	require.NoError(t, f.resolver.AssignRole(ctx, "user-1", "A"))

	first, err := f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	second, err := f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	empty, err := f.resolver.Resolve(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty.Permissions)
	assert.Empty(t, empty.Permissions)
	assert.False(t, empty.HasAll("p1"))
	assert.True(t, empty.HasAll())
}

// TestPurpose: Validates that assigning a role twice is a no-op and that unknown roles are rejected.
// Scope: Unit Test
// Security: Audit trail records only real grants
// Expected: One edge and one role_assigned event after two grants; ErrRoleNotFound for unknown role names.
// Test Case ID: AZ-05
func TestAuthz_Resolver_AssignIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.role("role-a", "A")

	require.NoError(t, f.resolver.AssignRole(ctx, "user-1", "A"))
	require.NoError(t, f.resolver.AssignRoleAs(ctx, "admin-1", "user-1", "A"))
	assert.Len(t, f.assignments.edges, 1)
	assert.Equal(t, 1, f.audit.count(audit.TypeRoleAssigned))

	err := f.resolver.AssignRole(ctx, "user-1", "Ghost")
	assert.True(t, errors.Is(err, authz.ErrRoleNotFound))
}

// TestPurpose: Validates that the embedded catalog seeds the default roles and is safe to re-run.
// Scope: Unit Test
// Expected: Admin holds every permission, User holds Edit Task but not Manage Users; a second seed adds nothing.
// Test Case ID: AZ-06
func TestAuthz_SeedCatalog(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	catalog, err := authz.DefaultCatalog()
	require.NoError(t, err)

	require.NoError(t, f.resolver.SeedCatalog(ctx, catalog))
	roleCount, permCount, edgeCount := len(f.roles.roles), len(f.perms.perms), len(f.rolePerms.edges)
	require.NoError(t, f.resolver.SeedCatalog(ctx, catalog))
	assert.Equal(t, roleCount, len(f.roles.roles))
	assert.Equal(t, permCount, len(f.perms.perms))
	assert.Equal(t, edgeCount, len(f.rolePerms.edges))

	require.NoError(t, f.resolver.AssignRole(ctx, "admin-1", rbac.RoleAdmin))
	require.NoError(t, f.resolver.AssignRole(ctx, "user-1", rbac.RoleUser))

	admin, err := f.resolver.Resolve(ctx, "admin-1")
	require.NoError(t, err)
	assert.Len(t, admin.Permissions, len(catalog.Permissions))

	user, err := f.resolver.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.HasPermission(rbac.PermEditTask))
	assert.False(t, user.HasPermission(rbac.PermManageUsers))
}

// TestPurpose: Validates catalog validation rejects references to undeclared permissions.
// Scope: Unit Test
// Expected: ErrInvalidCatalog.
// Test Case ID: AZ-07
func TestAuthz_ParseCatalog_Invalid(t *testing.T) {
	_, err := authz.ParseCatalog([]byte(`
permissions:
  - name: View Task
roles:
  - name: User
    permissions: [Edit Task]
`))
	assert.ErrorIs(t, err, authz.ErrInvalidCatalog)

	_, err = authz.ParseCatalog([]byte(`permissions: [`))
	assert.ErrorIs(t, err, authz.ErrInvalidCatalog)
}
