package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type createRoleRequest struct {
	Name string `json:"name" validate:"required,role_name"`
}

type updateRolePermissionsRequest struct {
	// Permissions must be present; [] clears the grants.
	Permissions []string `json:"permissions" validate:"required,dive,permission_name"`
}

type createPermissionRequest struct {
	Name string `json:"name" validate:"required,permission_name"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.rbac.Role(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !decodeValid(w, r, &req) {
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.Name)
	_ = a.audit.LogEvent(r.Context(), "rbac.role.create", err, zap.String("name", req.Name))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/admin/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req updateRolePermissionsRequest
	if !decodeValid(w, r, &req) {
		return
	}
	roleID := chi.URLParam(r, "id")
	role, err := a.rbac.UpdateRolePermissions(r.Context(), roleID, req.Permissions)
	_ = a.audit.LogEvent(r.Context(), "rbac.role.permissions.update", err,
		zap.String("role_id", roleID),
		zap.Strings("permissions", req.Permissions))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !decodeValid(w, r, &req) {
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), req.Name)
	_ = a.audit.LogEvent(r.Context(), "rbac.permission.create", err, zap.String("name", req.Name))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/admin/permissions/%s", perm.ID))
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.rbac.DeletePermission(r.Context(), id)
	_ = a.audit.LogEvent(r.Context(), "rbac.permission.delete", err, zap.String("permission_id", id))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
