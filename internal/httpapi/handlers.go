package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"qazna.org/identity/internal/audit"
	"qazna.org/identity/internal/auth"
	"qazna.org/identity/internal/obs"
)

const serviceName = "qazna-identity"

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadyProbe pings every registered dependency (database, redis).
type ReadyProbe struct {
	deps map[string]Pinger
}

func NewReadyProbe() *ReadyProbe {
	return &ReadyProbe{deps: make(map[string]Pinger)}
}

func (rp *ReadyProbe) Add(name string, p Pinger) *ReadyProbe {
	if p != nil {
		rp.deps[name] = p
	}
	return rp
}

func (rp *ReadyProbe) Check(ctx context.Context) error {
	if rp == nil {
		return nil
	}
	names := make([]string, 0, len(rp.deps))
	for name := range rp.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.deps[name].Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the identity services.
type API struct {
	router     chi.Router
	auth       *auth.Service
	rbac       *auth.RBACService
	readyProbe readinessChecker
	metrics    *obs.Metrics
	audit      *audit.Logger
	logger     *zap.Logger
	limiter    *RateLimiter
	proxies    []netip.Prefix
	origins    []string
	version    string
}

type Option func(*API)

func WithReadyProbe(rp readinessChecker) Option {
	return func(a *API) {
		if rp != nil {
			a.readyProbe = rp
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

func WithAudit(l *audit.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.audit = l
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRateLimit limits the public /api/auth endpoints per client address.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = NewRateLimiter(perSecond, burst)
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For / X-Real-IP
// headers name the client. Headers from any other peer are ignored.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.proxies = prefixes }
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.origins = origins }
}

func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		auth:       svc,
		rbac:       svc.RBAC(),
		readyProbe: NewReadyProbe(),
		audit:      audit.New(nil),
		logger:     zap.NewNop(),
		limiter:    NewRateLimiter(5, 10),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

// Handler returns the root handler for the HTTP server.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(a.realIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument)
	}
	r.Use(SecurityHeaders)
	if len(a.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           600,
		}))
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if a.limiter != nil {
				r.Use(a.limiter.Middleware)
			}
			r.Post("/signin", a.handleSignIn)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)
		})
		r.With(a.authenticate).Get("/me", a.handleMe)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Use(a.requirePermission(auth.PermManageAuthorization))
		r.Get("/roles", a.handleListRoles)
		r.Post("/roles", a.handleCreateRole)
		r.Get("/roles/{id}", a.handleGetRole)
		r.Put("/roles/{id}/permissions", a.handleUpdateRolePermissions)
		r.Get("/permissions", a.handleListPermissions)
		r.Post("/permissions", a.handleCreatePermission)
		r.Delete("/permissions/{id}", a.handleDeletePermission)
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Group(func(r chi.Router) {
			r.Use(a.requirePermission(auth.PermReadUsers))
			r.Get("/", a.handleListUsers)
			r.Get("/{id}", a.handleGetUser)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.requirePermission(auth.PermManageUsers))
			r.Post("/", a.handleCreateUser)
			r.Put("/{id}", a.handleUpdateUser)
			r.Delete("/{id}", a.handleDeleteUser)
			r.Put("/{id}/roles", a.handleSetUserRoles)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
