package httpapi

import (
	"net/http"
	"strings"
	"testing"

	"qazna.org/identity/internal/auth"
)

func (c *apiClient) adminToken() string {
	c.t.Helper()
	return c.signIn("admin", "adminpassword").AccessToken
}

func (c *apiClient) createPermission(token, name string) auth.Permission {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/admin/permissions", map[string]string{"name": name}, token)
	expectStatus(c.t, resp, http.StatusCreated)
	var perm auth.Permission
	resp.decode(c.t, &perm)
	return perm
}

func (c *apiClient) createRole(token, name string) auth.Role {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/admin/roles", map[string]string{"name": name}, token)
	expectStatus(c.t, resp, http.StatusCreated)
	var role auth.Role
	resp.decode(c.t, &role)
	return role
}

func TestAdminRoutesRequireAuthentication(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.do(http.MethodGet, "/api/admin/roles", nil, ""), http.StatusUnauthorized)
	expectStatus(t, c.do(http.MethodPost, "/api/admin/permissions", map[string]string{"name": "X"}, ""), http.StatusUnauthorized)
}

func TestAdminRoutesRequireManageAuthorization(t *testing.T) {
	c := newTestAPI(t)
	if _, err := c.svc.CreateUser(t.Context(), "reader", "readerpassword", nil); err != nil {
		t.Fatalf("create reader: %v", err)
	}
	token := c.signIn("reader", "readerpassword").AccessToken

	denied := c.do(http.MethodGet, "/api/admin/roles", nil, token)
	expectStatus(t, denied, http.StatusForbidden)
	if msg := denied.object(t)["error"]; msg != "forbidden" {
		t.Fatalf("error = %v", msg)
	}
	expectStatus(t, c.do(http.MethodGet, "/api/users", nil, token), http.StatusOK)
	expectStatus(t, c.do(http.MethodPost, "/api/users", map[string]string{
		"username": "someone", "password": "longenough",
	}, token), http.StatusForbidden)
}

func TestListBuiltins(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()

	var roles []auth.Role
	resp := c.do(http.MethodGet, "/api/admin/roles", nil, token)
	expectStatus(t, resp, http.StatusOK)
	resp.decode(t, &roles)
	names := map[string]auth.Role{}
	for _, r := range roles {
		names[r.Name] = r
	}
	if len(names[auth.RoleAdmin].Permissions) != 3 {
		t.Fatalf("ROLE_ADMIN permissions = %v", names[auth.RoleAdmin].Permissions)
	}
	if got := names[auth.RoleUser].Permissions; len(got) != 1 || got[0] != auth.PermReadUsers {
		t.Fatalf("ROLE_USER permissions = %v", got)
	}

	var perms []auth.Permission
	resp = c.do(http.MethodGet, "/api/admin/permissions", nil, token)
	expectStatus(t, resp, http.StatusOK)
	resp.decode(t, &perms)
	if len(perms) != 3 {
		t.Fatalf("permissions = %v", perms)
	}
}

func TestCreateRole(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()

	resp := c.do(http.MethodPost, "/api/admin/roles", map[string]string{"name": "ROLE_AUDITOR"}, token)
	expectStatus(t, resp, http.StatusCreated)
	var role auth.Role
	resp.decode(t, &role)
	if role.ID == "" || role.Name != "ROLE_AUDITOR" || len(role.Permissions) != 0 {
		t.Fatalf("unexpected role %+v", role)
	}
	if loc := resp.header.Get("Location"); loc != "/api/admin/roles/"+role.ID {
		t.Fatalf("Location = %q", loc)
	}

	got := c.do(http.MethodGet, "/api/admin/roles/"+role.ID, nil, token)
	expectStatus(t, got, http.StatusOK)

	expectStatus(t, c.do(http.MethodPost, "/api/admin/roles", map[string]string{"name": "ROLE_AUDITOR"}, token), http.StatusConflict)
	expectStatus(t, c.do(http.MethodGet, "/api/admin/roles/missing", nil, token), http.StatusNotFound)
}

func TestGetRoleListsAssignedUsers(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()
	role := c.createRole(token, "ROLE_AUDITOR")

	resp := c.do(http.MethodGet, "/api/admin/roles/"+role.ID, nil, token)
	expectStatus(t, resp, http.StatusOK)
	if users, ok := resp.object(t)["users"].([]any); !ok || len(users) != 0 {
		t.Fatalf("fresh role body = %s", resp.body)
	}

	eve, err := c.svc.CreateUser(t.Context(), "eve", "evepassword", []string{"ROLE_AUDITOR"})
	if err != nil {
		t.Fatalf("create eve: %v", err)
	}
	resp = c.do(http.MethodGet, "/api/admin/roles/"+role.ID, nil, token)
	expectStatus(t, resp, http.StatusOK)
	var details auth.RoleDetails
	resp.decode(t, &details)
	if details.Name != "ROLE_AUDITOR" || len(details.Users) != 1 || details.Users[0].ID != eve.ID {
		t.Fatalf("role details = %+v", details)
	}
	if strings.Contains(string(resp.body), "password") {
		t.Fatalf("role details leaked a password field: %s", resp.body)
	}
}

func TestCreateRoleValidatesName(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()
	for _, name := range []string{"", "AUDITOR", "ROLE_lower", "ROLE_", "role_admin"} {
		resp := c.do(http.MethodPost, "/api/admin/roles", map[string]string{"name": name}, token)
		expectStatus(t, resp, http.StatusBadRequest)
	}
}

func TestCreatePermissionValidatesName(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()
	for _, name := range []string{"", "approve_order", "1APPROVE", "APPROVE-ORDER"} {
		resp := c.do(http.MethodPost, "/api/admin/permissions", map[string]string{"name": name}, token)
		expectStatus(t, resp, http.StatusBadRequest)
	}
	c.createPermission(token, "APPROVE_ORDER")
	expectStatus(t, c.do(http.MethodPost, "/api/admin/permissions", map[string]string{"name": "APPROVE_ORDER"}, token), http.StatusConflict)
}

func TestUpdateRolePermissionsIsAllOrNothing(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()
	c.createPermission(token, "APPROVE_ORDER")
	role := c.createRole(token, "ROLE_MANAGER")

	resp := c.do(http.MethodPut, "/api/admin/roles/"+role.ID+"/permissions", map[string][]string{
		"permissions": {"APPROVE_ORDER", "NO_SUCH_PERMISSION"},
	}, token)
	expectStatus(t, resp, http.StatusBadRequest)

	var current auth.Role
	got := c.do(http.MethodGet, "/api/admin/roles/"+role.ID, nil, token)
	expectStatus(t, got, http.StatusOK)
	got.decode(t, &current)
	if len(current.Permissions) != 0 {
		t.Fatalf("failed update changed permissions: %v", current.Permissions)
	}

	expectStatus(t, c.do(http.MethodPut, "/api/admin/roles/missing/permissions", map[string][]string{
		"permissions": {"APPROVE_ORDER"},
	}, token), http.StatusNotFound)
}

func TestUpdateRolePermissionsRequiresField(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()
	c.createPermission(token, "APPROVE_ORDER")
	role := c.createRole(token, "ROLE_MANAGER")
	path := "/api/admin/roles/" + role.ID + "/permissions"
	expectStatus(t, c.do(http.MethodPut, path, map[string][]string{
		"permissions": {"APPROVE_ORDER"},
	}, token), http.StatusOK)

	for _, body := range []string{`{}`, `{"permissions":null}`} {
		resp := c.do(http.MethodPut, path, body, token)
		expectStatus(t, resp, http.StatusBadRequest)
		fields, _ := resp.object(t)["fields"].(map[string]any)
		if fields["permissions"] != "is required" {
			t.Fatalf("body %s: fields = %v", body, fields)
		}
	}
	var current auth.RoleDetails
	c.do(http.MethodGet, "/api/admin/roles/"+role.ID, nil, token).decode(t, &current)
	if len(current.Permissions) != 1 {
		t.Fatalf("rejected body changed grants: %v", current.Permissions)
	}

	resp := c.do(http.MethodPut, path, `{"permissions":[]}`, token)
	expectStatus(t, resp, http.StatusOK)
	var cleared auth.Role
	resp.decode(t, &cleared)
	if len(cleared.Permissions) != 0 {
		t.Fatalf("explicit empty list kept grants: %v", cleared.Permissions)
	}
}

func TestDeleteReferencedPermissionConflicts(t *testing.T) {
	c := newTestAPI(t)
	token := c.adminToken()
	perm := c.createPermission(token, "APPROVE_ORDER")
	role := c.createRole(token, "ROLE_MANAGER")

	resp := c.do(http.MethodPut, "/api/admin/roles/"+role.ID+"/permissions", map[string][]string{
		"permissions": {"APPROVE_ORDER"},
	}, token)
	expectStatus(t, resp, http.StatusOK)
	var updated auth.Role
	resp.decode(t, &updated)
	if len(updated.Permissions) != 1 || updated.Permissions[0] != "APPROVE_ORDER" {
		t.Fatalf("role permissions = %v", updated.Permissions)
	}

	expectStatus(t, c.do(http.MethodDelete, "/api/admin/permissions/"+perm.ID, nil, token), http.StatusConflict)

	var current auth.Role
	got := c.do(http.MethodGet, "/api/admin/roles/"+role.ID, nil, token)
	got.decode(t, &current)
	if len(current.Permissions) != 1 {
		t.Fatalf("conflicting delete changed role: %v", current.Permissions)
	}

	expectStatus(t, c.do(http.MethodPut, "/api/admin/roles/"+role.ID+"/permissions", map[string][]string{
		"permissions": {},
	}, token), http.StatusOK)
	expectStatus(t, c.do(http.MethodDelete, "/api/admin/permissions/"+perm.ID, nil, token), http.StatusNoContent)
	expectStatus(t, c.do(http.MethodDelete, "/api/admin/permissions/"+perm.ID, nil, token), http.StatusNotFound)
}

func TestPermissionChangesApplyToNextRequest(t *testing.T) {
	c := newTestAPI(t)
	admin := c.adminToken()
	if _, err := c.svc.CreateUser(t.Context(), "manager", "managerpassword", nil); err != nil {
		t.Fatalf("create manager: %v", err)
	}
	token := c.signIn("manager", "managerpassword").AccessToken
	expectStatus(t, c.do(http.MethodGet, "/api/admin/permissions", nil, token), http.StatusForbidden)

	var roles []auth.Role
	c.do(http.MethodGet, "/api/admin/roles", nil, admin).decode(t, &roles)
	var userRole auth.Role
	for _, r := range roles {
		if r.Name == auth.RoleUser {
			userRole = r
		}
	}
	expectStatus(t, c.do(http.MethodPut, "/api/admin/roles/"+userRole.ID+"/permissions", map[string][]string{
		"permissions": {auth.PermReadUsers, auth.PermManageAuthorization},
	}, admin), http.StatusOK)

	expectStatus(t, c.do(http.MethodGet, "/api/admin/permissions", nil, token), http.StatusOK)
}
