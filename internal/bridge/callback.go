package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

const maxDescriptionLen = 256

// HandleCallback processes a provider callback delivered as query or form
// params and returns the relay URL the browser must be sent to. The result
// travels in the fragment: provider and code on success, error and
// errorDescription otherwise. A redirect is returned in every case; the
// error, when non-nil, is for logging only.
func (b *Bridge) HandleCallback(ctx context.Context, providerName string, params url.Values) (string, error) {
	cfg, err := b.registry.Lookup(providerName)
	if err != nil {
		b.metrics.Callback("unknown", CodeInvalidRequest)
		b.logger.Warn("callback for unknown provider", zap.String("provider", providerName))
		return b.ErrorRedirect("", "", err), err
	}

	code, st, err := b.handleCallback(ctx, cfg, params)
	if err != nil {
		errCode := ErrorCode(err)
		b.metrics.Callback(cfg.Key(), metricResult(err))

		fields := []zap.Field{zap.String("provider", cfg.Name), zap.String("error_code", errCode), zap.Error(err)}
		if errCode == CodeServerError {
			b.logger.Error("callback failed", fields...)
		} else {
			b.logger.Info("callback rejected", fields...)
		}
		return b.ErrorRedirect(cfg.Name, st.ReturnURL, err), err
	}

	b.metrics.Callback(cfg.Key(), "ok")
	v := url.Values{}
	v.Set("provider", cfg.Name)
	v.Set("code", code)
	if st.ReturnURL != "" {
		v.Set("returnUrl", st.ReturnURL)
	}
	return b.relayRedirect(v), nil
}

// handleCallback returns the code to relay. The returned state is filled as
// soon as it decodes so error redirects can still carry the return URL.
func (b *Bridge) handleCallback(ctx context.Context, cfg provider.Config, params url.Values) (string, state.ChallengeState, error) {
	st, stErr := b.states.Decode(params.Get("state"))
	if stErr == nil && !strings.EqualFold(st.Provider, cfg.Name) {
		stErr = fmt.Errorf("%w: issued for provider %q", state.ErrInvalidState, st.Provider)
	}
	if stErr != nil {
		st = state.ChallengeState{}
	}

	// A provider-reported error wins over a bad state so the user sees why
	// the provider refused.
	if perr := callbackError(params); perr != nil {
		return "", st, perr
	}
	if stErr != nil {
		return "", st, stErr
	}

	if err := b.replay.Consume(ctx, st.ReplayKey(), st.IssuedAt.Add(b.states.TTL())); err != nil {
		if errors.Is(err, state.ErrInvalidState) {
			return "", st, err
		}
		return "", st, fmt.Errorf("bridge: replay guard: %w", err)
	}

	env := codeEnvelope{Provider: cfg.Name}
	if cfg.Kind == provider.OAuth1Style {
		env.OAuthToken = params.Get("oauth_token")
		env.OAuthVerifier = params.Get("oauth_verifier")
		if env.OAuthToken == "" || env.OAuthVerifier == "" {
			return "", st, ErrMissingCode
		}
	} else {
		env.Code = params.Get("code")
		if env.Code == "" {
			return "", st, ErrMissingCode
		}
		env.PKCEVerifier = st.PKCEVerifier
		if cfg.Kind == provider.OidcCode {
			env.Nonce = st.Nonce
		}
	}

	if !needsEnvelope(cfg) {
		return env.Code, st, nil
	}
	sealed, err := sealEnvelope(b.codes, env)
	if err != nil {
		return "", st, fmt.Errorf("bridge: sealing code: %w", err)
	}
	return sealed, st, nil
}

// callbackError extracts a provider-reported failure. OAuth1 providers
// signal a refusal with a "denied" parameter instead of "error".
func callbackError(params url.Values) *providerError {
	if params.Has("denied") {
		return &providerError{code: CodeAccessDenied, description: "The request was denied."}
	}
	code := params.Get("error")
	if code == "" {
		return nil
	}
	if !isErrorCode(code) {
		code = CodeAccessDenied
	}
	desc := params.Get("error_description")
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen]
	}
	return &providerError{code: code, description: desc}
}

// isErrorCode limits relayed provider codes to the RFC 6749 error charset
// and a sane length.
func isErrorCode(s string) bool {
	if len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '.' || r == '-') {
			return false
		}
	}
	return true
}
