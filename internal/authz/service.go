package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opentrusty/taskhub/internal/audit"
	"github.com/opentrusty/taskhub/internal/id"
)

// EffectiveSet is the resolved authorization state of a user
type EffectiveSet struct {
	Roles       map[string]struct{}
	Permissions map[string]struct{}
}

// HasRole reports whether the set contains the named role
func (e *EffectiveSet) HasRole(name string) bool {
	_, ok := e.Roles[name]
	return ok
}

// HasPermission reports whether the set contains the named permission
func (e *EffectiveSet) HasPermission(name string) bool {
	_, ok := e.Permissions[name]
	return ok
}

// HasAll reports whether every named permission is present.
// An empty requirement is satisfied by any set.
func (e *EffectiveSet) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !e.HasPermission(p) {
			return false
		}
	}
	return true
}

// RoleNames returns the role names in sorted order
func (e *EffectiveSet) RoleNames() []string {
	return sortedKeys(e.Roles)
}

// PermissionNames returns the permission names in sorted order
func (e *EffectiveSet) PermissionNames() []string {
	return sortedKeys(e.Permissions)
}

// Resolver computes effective role and permission sets from assignment
// edges. It holds no cache: every call reads the store, so grants and
// revocations are visible to the next request.
type Resolver struct {
	roles       RoleRepository
	permissions PermissionRepository
	assignments AssignmentRepository
	rolePerms   RolePermissionRepository
	auditLogger audit.Logger
}

// NewResolver creates a new permission resolver
func NewResolver(
	roles RoleRepository,
	permissions PermissionRepository,
	assignments AssignmentRepository,
	rolePerms RolePermissionRepository,
	auditLogger audit.Logger,
) *Resolver {
	return &Resolver{
		roles:       roles,
		permissions: permissions,
		assignments: assignments,
		rolePerms:   rolePerms,
		auditLogger: auditLogger,
	}
}

// Resolve returns the user's effective roles and permissions. Edges that
// point at missing roles or permissions are dropped.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*EffectiveSet, error) {
	set := &EffectiveSet{
		Roles:       map[string]struct{}{},
		Permissions: map[string]struct{}{},
	}

	assignments, err := r.assignments.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	if len(assignments) == 0 {
		return set, nil
	}

	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}

	roles, err := r.roles.GetByIDs(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	if len(roles) == 0 {
		return set, nil
	}

	liveRoleIDs := make([]string, 0, len(roles))
	for _, role := range roles {
		set.Roles[role.Name] = struct{}{}
		liveRoleIDs = append(liveRoleIDs, role.ID)
	}

	edges, err := r.rolePerms.FindByRoles(ctx, liveRoleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load role permissions: %w", err)
	}
	if len(edges) == 0 {
		return set, nil
	}

	seen := make(map[string]struct{}, len(edges))
	permIDs := make([]string, 0, len(edges))
	for _, e := range edges {
		if _, ok := seen[e.PermissionID]; ok {
			continue
		}
		seen[e.PermissionID] = struct{}{}
		permIDs = append(permIDs, e.PermissionID)
	}

	perms, err := r.permissions.GetByIDs(ctx, permIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	for _, p := range perms {
		set.Permissions[p.Name] = struct{}{}
	}

	return set, nil
}

// RoleNames returns the sorted role names of a user, as embedded in
// access tokens.
func (r *Resolver) RoleNames(ctx context.Context, userID string) ([]string, error) {
	set, err := r.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return set.RoleNames(), nil
}

// AssignRole grants the named role to a user. Assigning a role the user
// already holds is a no-op.
func (r *Resolver) AssignRole(ctx context.Context, userID, roleName string) error {
	return r.assign(ctx, audit.ActorSystem, userID, roleName)
}

// AssignRoleAs is AssignRole attributed to an acting user for the audit trail.
func (r *Resolver) AssignRoleAs(ctx context.Context, actorID, userID, roleName string) error {
	return r.assign(ctx, actorID, userID, roleName)
}

func (r *Resolver) assign(ctx context.Context, actorID, userID, roleName string) error {
	role, err := r.roles.GetByName(ctx, roleName)
	if err != nil {
		return err
	}

	inserted, err := r.assignments.Grant(ctx, &RoleAssignment{
		UserID:    userID,
		RoleID:    role.ID,
		GrantedAt: time.Now(),
		GrantedBy: actorID,
	})
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	if !inserted {
		return nil
	}

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRoleAssigned,
		ActorID:  actorID,
		Resource: userID,
		Metadata: map[string]any{audit.AttrRole: roleName},
	})
	return nil
}

// RevokeRole removes the named role from a user. Revoking a role the user
// does not hold is a no-op.
func (r *Resolver) RevokeRole(ctx context.Context, actorID, userID, roleName string) error {
	role, err := r.roles.GetByName(ctx, roleName)
	if err != nil {
		return err
	}

	if err := r.assignments.Revoke(ctx, userID, role.ID); err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRoleRevoked,
		ActorID:  actorID,
		Resource: userID,
		Metadata: map[string]any{audit.AttrRole: roleName},
	})
	return nil
}

// SeedCatalog creates the roles, permissions and edges of c that are not
// yet in the store. Existing rows are left untouched, so seeding is safe
// to repeat.
func (r *Resolver) SeedCatalog(ctx context.Context, c *Catalog) error {
	permIDs := make(map[string]string, len(c.Permissions))
	for _, cp := range c.Permissions {
		p, err := r.permissions.GetByName(ctx, cp.Name)
		if errors.Is(err, ErrPermissionNotFound) {
			p = &Permission{ID: id.NewUUIDv7(), Name: cp.Name, Description: cp.Description, CreatedAt: time.Now()}
			err = r.permissions.Create(ctx, p)
		}
		if err != nil {
			return fmt.Errorf("failed to seed permission %q: %w", cp.Name, err)
		}
		permIDs[cp.Name] = p.ID
	}

	for _, cr := range c.Roles {
		role, err := r.roles.GetByName(ctx, cr.Name)
		if errors.Is(err, ErrRoleNotFound) {
			role = &Role{ID: id.NewUUIDv7(), Name: cr.Name, Description: cr.Description, CreatedAt: time.Now()}
			err = r.roles.Create(ctx, role)
		}
		if err != nil {
			return fmt.Errorf("failed to seed role %q: %w", cr.Name, err)
		}

		for _, name := range cr.Permissions {
			if err := r.rolePerms.Grant(ctx, role.ID, permIDs[name]); err != nil {
				return fmt.Errorf("failed to grant %q to %q: %w", name, cr.Name, err)
			}
		}
	}

	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
