package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"qazna.org/identity/internal/auth"
)

type signInRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type meResponse struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (a *API) observeAuth(operation string, err error) {
	if a.metrics != nil {
		a.metrics.ObserveAuth(operation, err)
	}
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeValid(w, r, &req) {
		return
	}
	resp, err := a.auth.SignIn(r.Context(), req.Username, req.Password)
	a.observeAuth("signin", err)
	_ = a.audit.LogEvent(r.Context(), "auth.signin", err, zap.String("username", req.Username))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeValid(w, r, &req) {
		return
	}
	resp, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	a.observeAuth("refresh", err)
	_ = a.audit.LogEvent(r.Context(), "auth.refresh", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeValid(w, r, &req) {
		return
	}
	err := a.auth.Logout(r.Context(), req.RefreshToken)
	a.observeAuth("logout", err)
	_ = a.audit.LogEvent(r.Context(), "auth.logout", err)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		ID:          p.User.ID,
		Username:    p.User.Username,
		Roles:       p.User.Roles,
		Permissions: p.Permissions.Names(),
	})
}
