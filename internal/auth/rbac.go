package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"qazna.org/identity/internal/ids"
)

var (
	roleNamePattern       = regexp.MustCompile(`^ROLE_[A-Z][A-Z0-9_]*$`)
	permissionNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

func ValidRoleName(name string) bool { return roleNamePattern.MatchString(name) }

func ValidPermissionName(name string) bool { return permissionNamePattern.MatchString(name) }

// RBACService administers roles and permissions and resolves what a user may do.
// Nothing is cached: every resolution reads the current assignments.
type RBACService struct {
	store  Store
	logger *zap.Logger
}

func NewRBACService(store Store, logger *zap.Logger) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RBACService{store: store, logger: logger}, nil
}

// ResolvePermissions returns the union of the permission sets of userID's roles.
func (s *RBACService) ResolvePermissions(ctx context.Context, userID string) (PermissionSet, error) {
	userID, err := normalizeID("user_id", userID, ErrUserNotFound)
	if err != nil {
		return nil, err
	}
	names, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(names...), nil
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// RoleDetails is a role together with the users currently holding it.
type RoleDetails struct {
	Role
	Users []User `json:"users"`
}

func (s *RBACService) Role(ctx context.Context, roleID string) (RoleDetails, error) {
	roleID, err := normalizeID("role_id", roleID, ErrNotFound)
	if err != nil {
		return RoleDetails{}, err
	}
	role, err := s.store.RoleByID(ctx, roleID)
	if err != nil {
		return RoleDetails{}, err
	}
	users, err := s.store.RoleMembers(ctx, roleID)
	if err != nil {
		return RoleDetails{}, err
	}
	return RoleDetails{Role: role, Users: users}, nil
}

func (s *RBACService) CreateRole(ctx context.Context, name string) (Role, error) {
	name = strings.TrimSpace(name)
	if !roleNamePattern.MatchString(name) {
		return Role{}, fmt.Errorf("%w: role name must match %s", ErrInvalidInput, roleNamePattern)
	}
	return s.store.CreateRole(ctx, name)
}

// UpdateRolePermissions replaces the permission set of a role. Either every
// name resolves and the set is replaced, or nothing changes.
func (s *RBACService) UpdateRolePermissions(ctx context.Context, roleID string, permissionNames []string) (Role, error) {
	roleID, err := normalizeID("role_id", roleID, ErrNotFound)
	if err != nil {
		return Role{}, err
	}
	role, err := s.store.SetRolePermissions(ctx, roleID, dedupeStrings(permissionNames))
	if err != nil {
		return Role{}, err
	}
	s.logger.Info("role permissions replaced",
		zap.String("role_id", role.ID),
		zap.Strings("permissions", role.Permissions))
	return role, nil
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

func (s *RBACService) CreatePermission(ctx context.Context, name string) (Permission, error) {
	name = strings.TrimSpace(name)
	if !permissionNamePattern.MatchString(name) {
		return Permission{}, fmt.Errorf("%w: permission name must match %s", ErrInvalidInput, permissionNamePattern)
	}
	return s.store.CreatePermission(ctx, name)
}

// DeletePermission removes an unreferenced permission. A permission still
// granted by any role yields ErrReferentialConflict.
func (s *RBACService) DeletePermission(ctx context.Context, permissionID string) error {
	permissionID, err := normalizeID("permission_id", permissionID, ErrNotFound)
	if err != nil {
		return err
	}
	return s.store.DeletePermission(ctx, permissionID)
}

// SetUserRoles replaces the role set of a user. The set may not be empty.
func (s *RBACService) SetUserRoles(ctx context.Context, userID string, roleNames []string) (User, error) {
	userID, err := normalizeID("user_id", userID, ErrUserNotFound)
	if err != nil {
		return User{}, err
	}
	names := dedupeStrings(roleNames)
	if len(names) == 0 {
		return User{}, fmt.Errorf("%w: at least one role is required", ErrInvalidInput)
	}
	user, err := s.store.SetUserRoles(ctx, userID, names)
	if err != nil {
		return User{}, err
	}
	s.logger.Info("user roles replaced",
		zap.String("user_id", user.ID),
		zap.Strings("roles", user.Roles))
	return user, nil
}

// EnsureBuiltins creates the builtin permissions and roles that are missing.
// Roles that already exist keep whatever permissions they have.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	existing, err := s.store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		have[p.Name] = struct{}{}
	}
	for _, name := range BuiltinPermissions {
		if _, ok := have[name]; ok {
			continue
		}
		if _, err := s.store.CreatePermission(ctx, name); err != nil && !errors.Is(err, ErrDuplicateName) {
			return fmt.Errorf("ensure permission %s: %w", name, err)
		}
	}

	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return err
	}
	haveRole := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		haveRole[r.Name] = struct{}{}
	}
	names := make([]string, 0, len(BuiltinRoles))
	for name := range BuiltinRoles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := haveRole[name]; ok {
			continue
		}
		role, err := s.store.CreateRole(ctx, name)
		if errors.Is(err, ErrDuplicateName) {
			continue
		}
		if err != nil {
			return fmt.Errorf("ensure role %s: %w", name, err)
		}
		if _, err := s.store.SetRolePermissions(ctx, role.ID, BuiltinRoles[name]); err != nil {
			return fmt.Errorf("ensure role %s permissions: %w", name, err)
		}
	}
	return nil
}

// normalizeID trims id. A blank id is invalid input; one that New could not
// have produced is reported as notFound without reaching the store.
func normalizeID(field, id string, notFound error) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if !ids.Valid(id) {
		return "", fmt.Errorf("%w: %s %q", notFound, field, id)
	}
	return id, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
