package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"qazna.org/identity/internal/auth"
)

type createUserRequest struct {
	Username string   `json:"username" validate:"required,min=3,max=64"`
	Password string   `json:"password" validate:"required,min=8,max=128"`
	Roles    []string `json:"roles" validate:"dive,role_name"`
}

type updateUserRequest struct {
	Username *string `json:"username" validate:"omitnil,min=3,max=64"`
	Password *string `json:"password" validate:"omitnil,min=8,max=128"`
}

type setUserRolesRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,role_name"`
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListUsers(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	details, err := a.auth.User(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeValid(w, r, &req) {
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req.Username, req.Password, req.Roles)
	_ = a.audit.LogEvent(r.Context(), "user.create", err,
		zap.String("username", req.Username),
		zap.Strings("roles", req.Roles))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !decodeValid(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	user, err := a.auth.UpdateUser(r.Context(), id, auth.UserUpdate{Username: req.Username, Password: req.Password})
	_ = a.audit.LogEvent(r.Context(), "user.update", err,
		zap.String("user_id", id),
		zap.Bool("username_changed", req.Username != nil),
		zap.Bool("password_changed", req.Password != nil))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.auth.DeleteUser(r.Context(), id)
	_ = a.audit.LogEvent(r.Context(), "user.delete", err, zap.String("user_id", id))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetUserRoles(w http.ResponseWriter, r *http.Request) {
	var req setUserRolesRequest
	if !decodeValid(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	user, err := a.rbac.SetUserRoles(r.Context(), id, req.Roles)
	_ = a.audit.LogEvent(r.Context(), "user.roles.set", err,
		zap.String("user_id", id),
		zap.Strings("roles", req.Roles))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
