package api

import (
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/bridge"
	"github.com/arkeep-io/extauth/internal/provider"
)

// maxCallbackBody bounds form-posted callbacks (hybrid OIDC responses carry
// an id_token, which is the largest legitimate payload).
const maxCallbackBody = 64 << 10

// ExternalAuthHandler serves the browser-facing redirect endpoints. Every
// outcome of the challenge and callback endpoints is a redirect; failures
// are reported to the popup through the relay page.
type ExternalAuthHandler struct {
	bridge *bridge.Bridge
	logger *zap.Logger
}

// NewExternalAuthHandler creates a new ExternalAuthHandler.
func NewExternalAuthHandler(b *bridge.Bridge, logger *zap.Logger) *ExternalAuthHandler {
	return &ExternalAuthHandler{
		bridge: b,
		logger: logger.Named("external_auth_handler"),
	}
}

// Challenge handles GET /external-auth/challenge?provider=&returnUrl=.
func (h *ExternalAuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerName := q.Get("provider")
	returnURL := q.Get("returnUrl")

	redirect, err := h.bridge.BuildChallenge(r.Context(), providerName, returnURL)
	if err != nil {
		code := bridge.ErrorCode(err)
		fields := []zap.Field{zap.String("provider", providerName), zap.String("error_code", code), zap.Error(err)}
		if code == bridge.CodeServerError {
			h.logger.Error("challenge failed", fields...)
		} else {
			h.logger.Info("challenge rejected", fields...)
		}

		if errors.Is(err, provider.ErrUnknownProvider) {
			providerName = ""
		}
		redirect = h.bridge.ErrorRedirect(providerName, returnURL, err)
	}

	h.redirect(w, r, redirect)
}

// Callback handles GET and POST on every provider callback path. The
// provider is resolved from the request path.
func (h *ExternalAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	name, ok := h.bridge.Registry().ProviderForCallback(r.URL.Path)
	if !ok {
		ErrNotFound(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	var params url.Values
	if err := r.ParseForm(); err != nil {
		h.logger.Info("unreadable callback form", zap.String("provider", name), zap.Error(err))
		params = r.URL.Query()
	} else {
		params = r.Form
	}

	// HandleCallback logs its own failures.
	redirect, _ := h.bridge.HandleCallback(r.Context(), name, params)
	h.redirect(w, r, redirect)
}

// Relay handles GET on the relay page path.
func (h *ExternalAuthHandler) Relay(w http.ResponseWriter, r *http.Request) {
	serveAsset(w, r, bridge.RelayPage())
}

// Script handles GET /external-auth/auth-social.js.
func (h *ExternalAuthHandler) Script(w http.ResponseWriter, r *http.Request) {
	serveAsset(w, r, bridge.SocialScript())
}

// providerResponse is one entry of GET /external-auth/providers.
type providerResponse struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Providers handles GET /external-auth/providers.
func (h *ExternalAuthHandler) Providers(w http.ResponseWriter, _ *http.Request) {
	all := h.bridge.Registry().All()
	out := make([]providerResponse, 0, len(all))
	for _, cfg := range all {
		out = append(out, providerResponse{Name: cfg.Name, Kind: string(cfg.Kind)})
	}
	Ok(w, out)
}

func (h *ExternalAuthHandler) redirect(w http.ResponseWriter, r *http.Request, to string) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, to, http.StatusFound)
}

func serveAsset(w http.ResponseWriter, r *http.Request, a bridge.StaticAsset) {
	h := w.Header()
	h.Set("Content-Type", a.ContentType)
	h.Set("ETag", a.ETag)
	h.Set("Cache-Control", "public, max-age=300")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	if a.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", a.ContentSecurityPolicy)
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == a.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(a.Body)
}
