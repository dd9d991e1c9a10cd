package auth

import (
	"context"
	"time"
)

// UserStore persists accounts and their role assignments.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, roleNames []string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	DeleteUser(ctx context.Context, id string) error
	// SetUserRoles replaces the role set of a user in one step.
	SetUserRoles(ctx context.Context, userID string, roleNames []string) (User, error)
	// UserPermissions returns the union of permission names over the user's roles.
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// RoleStore persists roles and the role-permission adjacency.
type RoleStore interface {
	CreateRole(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	RoleByID(ctx context.Context, id string) (Role, error)
	// RoleMembers lists the users holding the role, ordered by username.
	RoleMembers(ctx context.Context, roleID string) ([]User, error)
	// SetRolePermissions replaces the permission set of a role in one step.
	SetRolePermissions(ctx context.Context, roleID string, permissionNames []string) (Role, error)
}

// PermissionStore persists the permission catalog.
type PermissionStore interface {
	CreatePermission(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	DeletePermission(ctx context.Context, id string) error
}

// TokenStore keeps at most one refresh record per user.
//
// Rotate and Clear are conditional on the stored hash still matching; when
// it does not they return ErrTokenNotFound and leave the record untouched.
type TokenStore interface {
	LookupByHash(ctx context.Context, hash string) (RefreshRecord, error)
	Persist(ctx context.Context, userID, hash string, expiresAt time.Time) error
	Rotate(ctx context.Context, userID, oldHash, newHash string, expiresAt time.Time) error
	Clear(ctx context.Context, userID, hash string) error
	// Revoke drops any record of userID. It is not an error if none exists.
	Revoke(ctx context.Context, userID string) error
}

// Store is the full persistence contract of the identity service.
type Store interface {
	UserStore
	RoleStore
	PermissionStore
	TokenStore
}
