package authz

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrRoleNotFound            = errors.New("role not found")
	ErrRoleAlreadyExists       = errors.New("role already exists")
	ErrPermissionNotFound      = errors.New("permission not found")
	ErrPermissionAlreadyExists = errors.New("permission already exists")
	ErrAccessDenied            = errors.New("access denied")
	ErrInvalidCatalog          = errors.New("invalid rbac catalog")
)

// Role is a named bundle of permissions
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a named fine-grained capability
type Permission struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// RoleAssignment is the edge granting a role to a user.
// At most one exists per (UserID, RoleID).
type RoleAssignment struct {
	UserID    string
	RoleID    string
	GrantedAt time.Time
	GrantedBy string
}

// RolePermission is the edge granting a permission to a role
type RolePermission struct {
	RoleID       string
	PermissionID string
}

// RoleRepository defines the interface for role persistence
type RoleRepository interface {
	// Create creates a new role
	Create(ctx context.Context, role *Role) error

	// GetByID retrieves a role by ID
	GetByID(ctx context.Context, id string) (*Role, error)

	// GetByIDs retrieves roles in one round trip; unknown ids are skipped
	GetByIDs(ctx context.Context, ids []string) ([]*Role, error)

	// GetByName retrieves a role by its unique name
	GetByName(ctx context.Context, name string) (*Role, error)

	// List retrieves all roles
	List(ctx context.Context) ([]*Role, error)
}

// PermissionRepository defines the interface for permission persistence
type PermissionRepository interface {
	// Create creates a new permission
	Create(ctx context.Context, perm *Permission) error

	// GetByID retrieves a permission by ID
	GetByID(ctx context.Context, id string) (*Permission, error)

	// GetByIDs retrieves permissions in one round trip; unknown ids are skipped
	GetByIDs(ctx context.Context, ids []string) ([]*Permission, error)

	// GetByName retrieves a permission by its unique name
	GetByName(ctx context.Context, name string) (*Permission, error)
}

// AssignmentRepository defines the interface for user-role edges
type AssignmentRepository interface {
	// Grant assigns a role to a user and reports whether a new edge was
	// stored. Granting an existing edge is a no-op returning false.
	Grant(ctx context.Context, assignment *RoleAssignment) (bool, error)

	// Revoke removes a role assignment. Removing a missing edge is a no-op.
	Revoke(ctx context.Context, userID, roleID string) error

	// ListForUser retrieves all assignments for a user
	ListForUser(ctx context.Context, userID string) ([]*RoleAssignment, error)
}

// RolePermissionRepository defines the interface for role-permission edges
type RolePermissionRepository interface {
	// Grant attaches a permission to a role. Granting an existing edge is a no-op.
	Grant(ctx context.Context, roleID, permissionID string) error

	// FindByRoles retrieves the edges of every given role in one round trip
	FindByRoles(ctx context.Context, roleIDs []string) ([]*RolePermission, error)
}
