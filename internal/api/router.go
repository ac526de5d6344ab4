package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/auth"
	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/grant"
	"github.com/arkeep-io/extauth/internal/metrics"
)

const healthTimeout = 2 * time.Second

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Bridge    *bridge.Bridge
	Validator *grant.Validator
	Tokens    *auth.JWTManager
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// Clients restricts the token endpoint to these client_id values when
	// non-empty.
	Clients []string

	// Health reports whether the backing store is reachable. Nil means
	// always healthy.
	Health func(context.Context) error
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))
	r.Use(Instrument(cfg.Metrics))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	extHandler := NewExternalAuthHandler(cfg.Bridge, cfg.Logger)
	tokenHandler := NewTokenHandler(cfg.Validator, cfg.Tokens, cfg.Clients, cfg.Logger)

	// --- External login (browser popup) ---
	r.Get("/external-auth/challenge", extHandler.Challenge)
	r.Get("/external-auth/providers", extHandler.Providers)
	r.Get("/external-auth/auth-social.js", extHandler.Script)
	r.Get(cfg.Bridge.RelayPath(), extHandler.Relay)

	// Providers may configure their own callback path; each one is routed
	// to the same handler, which resolves the provider from the path.
	seen := map[string]bool{}
	for _, p := range cfg.Bridge.Registry().All() {
		if seen[p.CallbackPath] {
			continue
		}
		seen[p.CallbackPath] = true
		r.Get(p.CallbackPath, extHandler.Callback)
		r.Post(p.CallbackPath, extHandler.Callback)
	}

	// --- Token endpoint ---
	r.Post("/connect/token", tokenHandler.Token)
	r.Post("/token", tokenHandler.Token)
	r.Get("/.well-known/jwks.json", tokenHandler.JWKS)
	r.With(Authenticate(cfg.Tokens)).Get("/connect/userinfo", tokenHandler.UserInfo)

	// --- Operations ---
	r.Get("/healthz", healthHandler(cfg.Health, cfg.Logger))
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	return r
}

func healthHandler(check func(context.Context) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				JSON(w, http.StatusServiceUnavailable, envelope{"status": "unavailable"})
				return
			}
		}
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	}
}
