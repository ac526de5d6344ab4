package api

import (
	"net/http"
	"slices"

	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/auth"
	"github.com/arkeep-io/extauth/internal/grant"
)

const maxTokenBody = 16 << 10

// TokenHandler serves the OAuth2 token endpoint. It supports the external
// grant only.
type TokenHandler struct {
	validator *grant.Validator
	tokens    *auth.JWTManager
	clients   []string
	logger    *zap.Logger
}

// NewTokenHandler creates a new TokenHandler. A non-empty clients list
// restricts which client_id values may request tokens.
func NewTokenHandler(v *grant.Validator, tokens *auth.JWTManager, clients []string, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		validator: v,
		tokens:    tokens,
		clients:   clients,
		logger:    logger.Named("token_handler"),
	}
}

// Token handles POST /connect/token with grant_type=external,
// code=<relayed code> and provider=<name> (form-encoded).
func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenBody)
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, grant.ErrorInvalidRequest, "malformed form body")
		return
	}
	form := r.PostForm

	switch gt := form.Get("grant_type"); gt {
	case grant.GrantType:
	case "":
		oauthError(w, http.StatusBadRequest, grant.ErrorInvalidRequest, "grant_type is required")
		return
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	clientID := form.Get("client_id")
	if id, _, ok := r.BasicAuth(); ok {
		clientID = id
	}
	if len(h.clients) > 0 && !slices.Contains(h.clients, clientID) {
		h.logger.Info("token request from unknown client", zap.String("client_id", clientID))
		oauthError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}

	res, err := h.validator.Validate(r.Context(), form)
	if err != nil {
		h.logger.Error("external grant failed", zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if !res.Success() {
		oauthError(w, http.StatusBadRequest, res.ErrorCode, res.ErrorDescription)
		return
	}

	token, err := h.tokens.GenerateAccessToken(res.Claims, clientID)
	if err != nil {
		h.logger.Error("issuing access token failed", zap.String("subject", res.Subject), zap.Error(err))
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	h.logger.Info("access token issued",
		zap.String("subject", res.Subject),
		zap.String("idp", res.Claims["idp"]),
		zap.String("outcome", string(res.Outcome)),
	)
	tokenJSON(w, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.tokens.TTL().Seconds()),
	})
}

// UserInfo handles GET /connect/userinfo for a Bearer access token.
func (h *TokenHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	out := map[string]any{
		"sub": claims.Subject,
		"id":  claims.UserID,
		"idp": claims.IdentityProvider,
	}
	if claims.PreferredUsername != "" {
		out["preferred_username"] = claims.PreferredUsername
	}
	if claims.Email != "" {
		out["email"] = claims.Email
	}
	if claims.Name != "" {
		out["name"] = claims.Name
	}
	noStore(w)
	JSON(w, http.StatusOK, out)
}

// JWKS handles GET /.well-known/jwks.json.
func (h *TokenHandler) JWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	JSON(w, http.StatusOK, h.tokens.JWKS())
}
