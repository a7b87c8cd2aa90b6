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

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/taskhub/internal/authz"
)

// RoleRepository implements authz.RoleRepository
type RoleRepository struct {
	db *DB
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// Create creates a new role
func (r *RoleRepository) Create(ctx context.Context, role *authz.Role) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)
	`, role.ID, role.Name, role.Description, role.CreatedAt)
	if err != nil {
		if uniqueViolation(err) != "" {
			return authz.ErrRoleAlreadyExists
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*authz.Role, error) {
	return r.getOne(ctx, `SELECT id, name, description, created_at FROM roles WHERE id = $1`, id)
}

// GetByName retrieves a role by name
func (r *RoleRepository) GetByName(ctx context.Context, name string) (*authz.Role, error) {
	return r.getOne(ctx, `SELECT id, name, description, created_at FROM roles WHERE name = $1`, name)
}

func (r *RoleRepository) getOne(ctx context.Context, query, arg string) (*authz.Role, error) {
	var role authz.Role
	err := r.db.pool.QueryRow(ctx, query, arg).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authz.ErrRoleNotFound
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return &role, nil
}

// GetByIDs retrieves roles by ID in one query
func (r *RoleRepository) GetByIDs(ctx context.Context, ids []string) ([]*authz.Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, description, created_at FROM roles WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	return scanRoles(rows)
}

// List retrieves all roles
func (r *RoleRepository) List(ctx context.Context) ([]*authz.Role, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, description, created_at FROM roles ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return scanRoles(rows)
}

func scanRoles(rows pgx.Rows) ([]*authz.Role, error) {
	defer rows.Close()

	var roles []*authz.Role
	for rows.Next() {
		var role authz.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// PermissionRepository implements authz.PermissionRepository
type PermissionRepository struct {
	db *DB
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *DB) *PermissionRepository {
	return &PermissionRepository{db: db}
}

// Create creates a new permission
func (r *PermissionRepository) Create(ctx context.Context, perm *authz.Permission) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO permissions (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)
	`, perm.ID, perm.Name, perm.Description, perm.CreatedAt)
	if err != nil {
		if uniqueViolation(err) != "" {
			return authz.ErrPermissionAlreadyExists
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}
	return nil
}

// GetByID retrieves a permission by ID
func (r *PermissionRepository) GetByID(ctx context.Context, id string) (*authz.Permission, error) {
	return r.getOne(ctx, `SELECT id, name, description, created_at FROM permissions WHERE id = $1`, id)
}

// GetByName retrieves a permission by name
func (r *PermissionRepository) GetByName(ctx context.Context, name string) (*authz.Permission, error) {
	return r.getOne(ctx, `SELECT id, name, description, created_at FROM permissions WHERE name = $1`, name)
}

func (r *PermissionRepository) getOne(ctx context.Context, query, arg string) (*authz.Permission, error) {
	var perm authz.Permission
	err := r.db.pool.QueryRow(ctx, query, arg).Scan(&perm.ID, &perm.Name, &perm.Description, &perm.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authz.ErrPermissionNotFound
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return &perm, nil
}

// GetByIDs retrieves permissions by ID in one query
func (r *PermissionRepository) GetByIDs(ctx context.Context, ids []string) ([]*authz.Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, name, description, created_at FROM permissions WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []*authz.Permission
	for rows.Next() {
		var perm authz.Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Description, &perm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, &perm)
	}
	return perms, rows.Err()
}

// AssignmentRepository implements authz.AssignmentRepository
type AssignmentRepository struct {
	db *DB
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Grant assigns a role to a user
func (r *AssignmentRepository) Grant(ctx context.Context, a *authz.RoleAssignment) (bool, error) {
	result, err := r.db.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, granted_at, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, a.UserID, a.RoleID, a.GrantedAt, a.GrantedBy)
	if err != nil {
		return false, fmt.Errorf("failed to grant role: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Revoke removes a role from a user
func (r *AssignmentRepository) Revoke(ctx context.Context, userID, roleID string) error {
	_, err := r.db.pool.Exec(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2
	`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// ListForUser retrieves the role assignments of a user
func (r *AssignmentRepository) ListForUser(ctx context.Context, userID string) ([]*authz.RoleAssignment, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT user_id, role_id, granted_at, granted_by
		FROM user_roles
		WHERE user_id = $1
		ORDER BY granted_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role assignments: %w", err)
	}
	defer rows.Close()

	var out []*authz.RoleAssignment
	for rows.Next() {
		var a authz.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.GrantedAt, &a.GrantedBy); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// RolePermissionRepository implements authz.RolePermissionRepository
type RolePermissionRepository struct {
	db *DB
}

// NewRolePermissionRepository creates a new role permission repository
func NewRolePermissionRepository(db *DB) *RolePermissionRepository {
	return &RolePermissionRepository{db: db}
}

// Grant attaches a permission to a role
func (r *RolePermissionRepository) Grant(ctx context.Context, roleID, permissionID string) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission_id) DO NOTHING
	`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// FindByRoles retrieves the permission edges of the given roles
func (r *RolePermissionRepository) FindByRoles(ctx context.Context, roleIDs []string) ([]*authz.RolePermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.pool.Query(ctx, `
		SELECT role_id, permission_id FROM role_permissions WHERE role_id = ANY($1)
	`, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	var out []*authz.RolePermission
	for rows.Next() {
		var rp authz.RolePermission
		if err := rows.Scan(&rp.RoleID, &rp.PermissionID); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		out = append(out, &rp)
	}
	return out, rows.Err()
}
