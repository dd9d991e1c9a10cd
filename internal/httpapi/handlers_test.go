package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/store/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type apiClient struct {
	baseURL string
	client  *http.Client
	svc     *auth.Service
	t       *testing.T
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r apiResponse) decode(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(r.body, dst); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (r apiResponse) object(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	r.decode(t, &out)
	return out
}

func newTestService(t *testing.T) *auth.Service {
	t.Helper()
	ctx := context.Background()
	issuer, err := auth.NewTokenIssuer(testSecret, auth.WithTokenTTLs(15*time.Minute, 24*time.Hour))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	hasher, err := auth.NewPasswordHasher(auth.WithArgon2Params(auth.Argon2Params{
		Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	}))
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	svc, err := auth.NewService(memory.New(), issuer,
		auth.WithPasswordHasher(hasher),
		auth.WithHashPool(auth.NewHashPool(4)),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.RBAC().EnsureBuiltins(ctx); err != nil {
		t.Fatalf("ensure builtins: %v", err)
	}
	if _, err := svc.CreateUser(ctx, "admin", "adminpassword", []string{auth.RoleAdmin}); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	return svc
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()
	svc := newTestService(t)
	opts = append([]Option{WithRateLimit(1000, 1000), WithVersion("test")}, opts...)
	api := New(svc, opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		svc:     svc,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) apiResponse {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			if err != nil {
				c.t.Fatalf("marshal body: %v", err)
			}
			raw = string(b)
		}
		payload = bytes.NewReader([]byte(raw))
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return apiResponse{status: resp.StatusCode, header: resp.Header, body: data}
}

func (c *apiClient) signIn(username, password string) auth.TokenResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/auth/signin", map[string]string{
		"username": username,
		"password": password,
	}, "")
	if resp.status != http.StatusOK {
		c.t.Fatalf("signin %s: status %d body %s", username, resp.status, resp.body)
	}
	var tokens auth.TokenResponse
	resp.decode(c.t, &tokens)
	return tokens
}

func expectStatus(t *testing.T, resp apiResponse, want int) {
	t.Helper()
	if resp.status != want {
		t.Fatalf("status = %d, want %d; body %s", resp.status, want, resp.body)
	}
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	body := resp.object(t)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	if resp.header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers, got %v", resp.header)
	}
}

func TestReadyReportsFailingDependency(t *testing.T) {
	probe := NewReadyProbe().
		Add("postgres", PingFunc(func(context.Context) error { return nil })).
		Add("redis", PingFunc(func(context.Context) error { return errors.New("connection refused") }))
	c := newTestAPI(t, WithReadyProbe(probe))

	resp := c.do(http.MethodGet, "/readyz", nil, "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	body := resp.object(t)
	if body["status"] != "not_ready" || body["error"] != "redis: connection refused" {
		t.Fatalf("unexpected readyz body: %v", body)
	}
}

func TestReadyWithoutDependencies(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.do(http.MethodGet, "/readyz", nil, ""), http.StatusOK)
}

func TestSignInAndMe(t *testing.T) {
	c := newTestAPI(t)
	tokens := c.signIn("admin", "adminpassword")
	if tokens.TokenType != "Bearer" || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("unexpected token response: %+v", tokens)
	}
	if tokens.ExpiresInMs != (15 * time.Minute).Milliseconds() {
		t.Fatalf("expiresInMs = %d", tokens.ExpiresInMs)
	}

	resp := c.do(http.MethodGet, "/api/auth/me", nil, tokens.AccessToken)
	expectStatus(t, resp, http.StatusOK)
	var me meResponse
	resp.decode(t, &me)
	if me.Username != "admin" {
		t.Fatalf("username = %q", me.Username)
	}
	want := []string{auth.PermManageAuthorization, auth.PermManageUsers, auth.PermReadUsers}
	if len(me.Permissions) != len(want) {
		t.Fatalf("permissions = %v, want %v", me.Permissions, want)
	}
	for i := range want {
		if me.Permissions[i] != want[i] {
			t.Fatalf("permissions = %v, want %v", me.Permissions, want)
		}
	}
}

func TestSignInFailuresAreIndistinguishable(t *testing.T) {
	c := newTestAPI(t)

	wrongPassword := c.do(http.MethodPost, "/api/auth/signin", map[string]string{
		"username": "admin", "password": "not-the-password",
	}, "")
	unknownUser := c.do(http.MethodPost, "/api/auth/signin", map[string]string{
		"username": "nobody", "password": "adminpassword",
	}, "")

	expectStatus(t, wrongPassword, http.StatusUnauthorized)
	expectStatus(t, unknownUser, http.StatusUnauthorized)
	if wrongPassword.object(t)["error"] != unknownUser.object(t)["error"] {
		t.Fatalf("error bodies differ: %s vs %s", wrongPassword.body, unknownUser.body)
	}
}

func TestRefreshIsSingleUse(t *testing.T) {
	c := newTestAPI(t)
	first := c.signIn("admin", "adminpassword")

	resp := c.do(http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": first.RefreshToken}, "")
	expectStatus(t, resp, http.StatusOK)
	var second auth.TokenResponse
	resp.decode(t, &second)
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a new refresh token, got %q", second.RefreshToken)
	}

	replay := c.do(http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": first.RefreshToken}, "")
	expectStatus(t, replay, http.StatusUnauthorized)

	expectStatus(t, c.do(http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": second.RefreshToken}, ""), http.StatusOK)
}

func TestSignInReplacesPreviousRefreshToken(t *testing.T) {
	c := newTestAPI(t)
	first := c.signIn("admin", "adminpassword")
	c.signIn("admin", "adminpassword")

	resp := c.do(http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": first.RefreshToken}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	c := newTestAPI(t)
	tokens := c.signIn("admin", "adminpassword")

	resp := c.do(http.MethodPost, "/api/auth/logout", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	expectStatus(t, resp, http.StatusNoContent)

	expectStatus(t, c.do(http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, ""), http.StatusUnauthorized)
	expectStatus(t, c.do(http.MethodPost, "/api/auth/logout", map[string]string{"refreshToken": tokens.RefreshToken}, ""), http.StatusUnauthorized)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	c := newTestAPI(t)
	tokens := c.signIn("admin", "adminpassword")
	resp := c.do(http.MethodPost, "/api/auth/refresh", map[string]string{"refreshToken": tokens.AccessToken}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestSignInValidation(t *testing.T) {
	c := newTestAPI(t)

	resp := c.do(http.MethodPost, "/api/auth/signin", map[string]string{"username": "admin"}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	body := resp.object(t)
	fields, ok := body["fields"].(map[string]any)
	if !ok || fields["password"] != "is required" {
		t.Fatalf("expected password field error, got %v", body)
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("expected request_id in body: %v", body)
	}
}

func TestMalformedBodies(t *testing.T) {
	c := newTestAPI(t)
	cases := map[string]string{
		"empty":         "",
		"not json":      "username=admin",
		"unknown field": `{"username":"admin","password":"adminpassword","remember":true}`,
		"trailing data": `{"username":"admin","password":"adminpassword"} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/auth/signin", bytes.NewReader([]byte(body)))
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			resp, err := c.client.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestMeRequiresBearerToken(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.do(http.MethodGet, "/api/auth/me", nil, ""), http.StatusUnauthorized)
	expectStatus(t, c.do(http.MethodGet, "/api/auth/me", nil, "garbage"), http.StatusUnauthorized)
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	c := newTestAPI(t)
	resp := c.do(http.MethodGet, "/api/nowhere", nil, "")
	expectStatus(t, resp, http.StatusNotFound)
	if resp.object(t)["error"] != "resource not found" {
		t.Fatalf("unexpected body %s", resp.body)
	}
}
