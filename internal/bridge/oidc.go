package bridge

import (
	"context"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/arkeep-io/extauth/internal/provider"
)

// oidcProvider is the per-provider verification state: the discovered (or
// configured) endpoints and an id_token verifier whose key set is cached
// and refreshed by go-oidc.
type oidcProvider struct {
	endpoint oauth2.Endpoint
	verifier *gooidc.IDTokenVerifier
}

// oidcProvider returns the cached verification state for cfg, building it on
// first use. Concurrent first calls may both build it; the last store wins
// and both results are equivalent. Failures are not cached.
func (b *Bridge) oidcProvider(ctx context.Context, cfg provider.Config) (*oidcProvider, error) {
	if v, ok := b.oidc.Load(cfg.Key()); ok {
		return v.(*oidcProvider), nil
	}

	// The key set keeps the context it was created with for later refreshes,
	// so it gets a detached one carrying only the HTTP client.
	keyCtx := gooidc.ClientContext(context.Background(), b.httpClient)
	vcfg := &gooidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	}

	op := &oidcProvider{}
	if cfg.JWKSURL != "" {
		keys := gooidc.NewRemoteKeySet(keyCtx, cfg.JWKSURL)
		op.verifier = gooidc.NewVerifier(cfg.Issuer, keys, vcfg)
		op.endpoint = oauth2.Endpoint{AuthURL: cfg.AuthorizationEndpoint, TokenURL: cfg.TokenEndpoint}
	} else {
		dctx, cancel := context.WithTimeout(gooidc.ClientContext(ctx, b.httpClient), b.timeout)
		defer cancel()

		start := time.Now()
		p, err := gooidc.NewProvider(dctx, cfg.Issuer)
		b.metrics.ProviderCall(cfg.Key(), "discovery", err, time.Since(start))
		if err != nil {
			return nil, classify("oidc discovery", err)
		}
		op.verifier = p.VerifierContext(keyCtx, vcfg)
		op.endpoint = p.Endpoint()
	}

	b.oidc.Store(cfg.Key(), op)
	return op, nil
}

// exchangeOIDC redeems the code and returns the claims of the verified
// id_token. The token's nonce must match the one sealed in the state.
func (b *Bridge) exchangeOIDC(ctx context.Context, cfg provider.Config, env codeEnvelope, redirectURI string) (map[string]any, error) {
	op, err := b.oidcProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	oc, err := b.oauth2Config(ctx, cfg)
	if err != nil {
		return nil, err
	}
	oc.RedirectURL = redirectURI

	tok, err := b.redeem(ctx, cfg, oc, env)
	if err != nil {
		return nil, err
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrProviderRejected)
	}

	idToken, err := op.verifier.Verify(gooidc.ClientContext(ctx, b.httpClient), rawIDToken)
	if err != nil {
		return nil, classify("id_token verification", err)
	}
	if idToken.Nonce != env.Nonce {
		return nil, fmt.Errorf("%w: id_token nonce mismatch", ErrProviderRejected)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decoding id_token claims: %w", ErrProviderRejected, err)
	}
	if _, ok := claims["sub"]; !ok {
		claims["sub"] = idToken.Subject
	}
	return claims, nil
}
