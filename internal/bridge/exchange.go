package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/arkeep-io/extauth/internal/provider"
)

const maxProfileBytes = 1 << 20

// ExternalIdentity is the verified result of an exchange.
type ExternalIdentity struct {
	Provider   string
	ExternalID string
	Claims     map[string]string
}

// Exchange redeems code with the provider and returns the identity it
// vouches for. redirectURI must equal the one used in the challenge; when
// empty the provider's callback URL is used, which is what challenges use.
//
// Codes are single-use on the provider side and Exchange never caches or
// retries, so a second call with the same code fails with
// ErrProviderRejected.
func (b *Bridge) Exchange(ctx context.Context, providerName, code, redirectURI string) (ExternalIdentity, error) {
	cfg, err := b.registry.Lookup(providerName)
	if err != nil {
		return ExternalIdentity{}, err
	}
	if code == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: empty code", ErrProviderRejected)
	}
	if redirectURI == "" {
		redirectURI = b.CallbackURL(cfg)
	}

	env, wrapped, err := openEnvelope(b.codes, code)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
	switch {
	case wrapped && !strings.EqualFold(env.Provider, cfg.Name):
		return ExternalIdentity{}, fmt.Errorf("%w: code issued for provider %q", ErrProviderRejected, env.Provider)
	case !wrapped && needsEnvelope(cfg):
		return ExternalIdentity{}, fmt.Errorf("%w: %s codes must come from the callback", ErrProviderRejected, cfg.Kind)
	case !wrapped:
		env = codeEnvelope{Provider: cfg.Name, Code: code}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	var (
		claims map[string]any
		raw    []byte
	)
	switch cfg.Kind {
	case provider.OidcCode:
		claims, err = b.exchangeOIDC(ctx, cfg, env, redirectURI)
	case provider.OAuth1Style:
		raw, err = b.exchangeOAuth1(ctx, cfg, env)
	default:
		raw, err = b.exchangeOAuth2(ctx, cfg, env, redirectURI)
	}
	if err == nil && raw != nil {
		claims, err = decodeProfile(raw)
	}
	if err != nil {
		b.logger.Info("exchange failed", zap.String("provider", cfg.Name), zap.Error(err))
		return ExternalIdentity{}, err
	}

	flat := flattenClaims(claims)
	subject := flat[cfg.SubjectClaim]
	if subject == "" {
		b.logger.Warn("provider profile has no subject",
			zap.String("provider", cfg.Name),
			zap.String("claim", cfg.SubjectClaim),
		)
		return ExternalIdentity{}, fmt.Errorf("%w: %q", ErrMissingSubjectClaim, cfg.SubjectClaim)
	}

	return ExternalIdentity{
		Provider:   cfg.Name,
		ExternalID: subject,
		Claims:     flat,
	}, nil
}

func (b *Bridge) exchangeOAuth2(ctx context.Context, cfg provider.Config, env codeEnvelope, redirectURI string) ([]byte, error) {
	oc, err := b.oauth2Config(ctx, cfg)
	if err != nil {
		return nil, err
	}
	oc.RedirectURL = redirectURI

	tok, err := b.redeem(ctx, cfg, oc, env)
	if err != nil {
		return nil, err
	}
	return b.fetchProfile(ctx, cfg, oc.Client(ctx, tok))
}

// redeem performs the authorization-code exchange at the token endpoint.
func (b *Bridge) redeem(ctx context.Context, cfg provider.Config, oc *oauth2.Config, env codeEnvelope) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if env.PKCEVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(env.PKCEVerifier))
	}

	start := time.Now()
	tok, err := oc.Exchange(ctx, env.Code, opts...)
	b.metrics.ProviderCall(cfg.Key(), "token", err, time.Since(start))
	if err != nil {
		return nil, classify("token exchange", err)
	}
	return tok, nil
}

// fetchProfile GETs the provider's userinfo endpoint with an authorized
// client and returns the body.
func (b *Bridge) fetchProfile(ctx context.Context, cfg provider.Config, client *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: building profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err == nil && resp.StatusCode/100 != 2 {
		resp.Body.Close()
		err = fmt.Errorf("%w: profile endpoint returned %s", ErrProviderRejected, resp.Status)
	}
	b.metrics.ProviderCall(cfg.Key(), "userinfo", err, time.Since(start))
	if err != nil {
		return nil, classify("profile request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, classify("reading profile", err)
	}
	return body, nil
}

// classify wraps err with ErrProviderUnavailable for timeouts and
// connection failures and with ErrProviderRejected otherwise.
func classify(op string, err error) error {
	if errors.Is(err, ErrProviderRejected) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrProviderRejected, op, err)
}

func decodeProfile(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: profile is not a JSON object: %w", ErrProviderRejected, err)
	}
	return claims, nil
}

// flattenClaims turns provider claims into strings. Numbers keep their
// literal form so large numeric ids survive; nested values are JSON
// encoded.
func flattenClaims(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			if enc, err := json.Marshal(t); err == nil {
				out[k] = string(enc)
			}
		}
	}
	return out
}
