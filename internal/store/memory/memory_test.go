package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"qazna.org/identity/internal/auth"
)

func seedUser(t *testing.T, s *Store) auth.User {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateRole(ctx, auth.RoleUser); err != nil {
		t.Fatalf("create role: %v", err)
	}
	u, err := s.CreateUser(ctx, "alice", "hash", []string{auth.RoleUser})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestRotateIsConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := seedUser(t, s)
	exp := time.Now().Add(time.Hour)

	if err := s.Persist(ctx, u.ID, "h1", exp); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Rotate(ctx, u.ID, "stale", "h2", exp); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("rotate with stale hash: %v", err)
	}
	if err := s.Rotate(ctx, u.ID, "h1", "h2", exp); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := s.LookupByHash(ctx, "h1"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("old hash still resolvable: %v", err)
	}
	rec, err := s.LookupByHash(ctx, "h2")
	if err != nil || rec.UserID != u.ID || !rec.ExpiresAt.Equal(exp) {
		t.Fatalf("lookup new hash = %+v, %v", rec, err)
	}
	if err := s.Rotate(ctx, u.ID, "h1", "h3", exp); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("second rotate with spent hash: %v", err)
	}
}

func TestClearAndRevoke(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := seedUser(t, s)
	exp := time.Now().Add(time.Hour)

	if err := s.Persist(ctx, u.ID, "h1", exp); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Clear(ctx, u.ID, "other"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("clear with wrong hash: %v", err)
	}
	if err := s.Clear(ctx, u.ID, "h1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.LookupByHash(ctx, "h1"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("cleared hash still resolvable: %v", err)
	}

	if err := s.Persist(ctx, u.ID, "h2", exp); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Revoke(ctx, u.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.Revoke(ctx, u.ID); err != nil {
		t.Fatalf("revoke without record: %v", err)
	}
	if _, err := s.LookupByHash(ctx, "h2"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("revoked hash still resolvable: %v", err)
	}
}

func TestPersistReplacesAndRequiresUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := seedUser(t, s)
	exp := time.Now().Add(time.Hour)

	if err := s.Persist(ctx, "nobody", "h", exp); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("persist for unknown user: %v", err)
	}
	_ = s.Persist(ctx, u.ID, "h1", exp)
	_ = s.Persist(ctx, u.ID, "h2", exp)
	if _, err := s.LookupByHash(ctx, "h1"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("superseded hash still resolvable: %v", err)
	}
}

func TestDeletePermissionChecksReferences(t *testing.T) {
	s := New()
	ctx := context.Background()
	p, _ := s.CreatePermission(ctx, "APPROVE_ORDER")
	r, _ := s.CreateRole(ctx, "ROLE_MANAGER")
	if _, err := s.SetRolePermissions(ctx, r.ID, []string{"APPROVE_ORDER"}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if err := s.DeletePermission(ctx, p.ID); !errors.Is(err, auth.ErrReferentialConflict) {
		t.Fatalf("delete referenced: %v", err)
	}
	if _, err := s.SetRolePermissions(ctx, r.ID, nil); err != nil {
		t.Fatalf("clear permissions: %v", err)
	}
	if err := s.DeletePermission(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.CreatePermission(ctx, "APPROVE_ORDER"); err != nil {
		t.Fatalf("name must be reusable after delete: %v", err)
	}
}

func TestUpdateUserRenamesAndChecksUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	u := seedUser(t, s)
	if _, err := s.CreateUser(ctx, "bob", "hash", []string{auth.RoleUser}); err != nil {
		t.Fatalf("create bob: %v", err)
	}

	taken := "bob"
	if _, err := s.UpdateUser(ctx, u.ID, auth.UserUpdate{Username: &taken}); !errors.Is(err, auth.ErrDuplicateName) {
		t.Fatalf("rename to taken name: %v", err)
	}
	fresh := "alicia"
	updated, err := s.UpdateUser(ctx, u.ID, auth.UserUpdate{Username: &fresh})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if updated.Username != "alicia" {
		t.Fatalf("username = %q", updated.Username)
	}
	if _, err := s.UserByUsername(ctx, "alice"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("old username still resolvable: %v", err)
	}
	if _, err := s.UserByUsername(ctx, "alicia"); err != nil {
		t.Fatalf("new username: %v", err)
	}
}

func TestRoleMembersFollowsAssignments(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice := seedUser(t, s)
	admin, _ := s.CreateRole(ctx, auth.RoleAdmin)
	if _, err := s.CreateUser(ctx, "zed", "hash", []string{auth.RoleAdmin, auth.RoleUser}); err != nil {
		t.Fatalf("create zed: %v", err)
	}

	var userRole auth.Role
	roles, _ := s.ListRoles(ctx)
	for _, r := range roles {
		if r.Name == auth.RoleUser {
			userRole = r
		}
	}
	members, err := s.RoleMembers(ctx, userRole.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0].Username != "alice" || members[1].Username != "zed" {
		t.Fatalf("ROLE_USER members = %+v", members)
	}

	if _, err := s.SetUserRoles(ctx, alice.ID, []string{auth.RoleAdmin}); err != nil {
		t.Fatalf("set roles: %v", err)
	}
	members, _ = s.RoleMembers(ctx, userRole.ID)
	if len(members) != 1 || members[0].Username != "zed" {
		t.Fatalf("after reassignment = %+v", members)
	}
	members, _ = s.RoleMembers(ctx, admin.ID)
	if len(members) != 2 {
		t.Fatalf("ROLE_ADMIN members = %+v", members)
	}

	empty, _ := s.CreateRole(ctx, "ROLE_EMPTY")
	if got, err := s.RoleMembers(ctx, empty.ID); err != nil || got == nil || len(got) != 0 {
		t.Fatalf("empty role members = %v, %v", got, err)
	}
	if _, err := s.RoleMembers(ctx, "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("missing role: %v", err)
	}
}
