package bridge

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/dghubble/oauth1"

	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

// oauth1Config builds the consumer configuration. callbackURL is only
// needed for the request-token step. Token requests go through the bridge
// client, so they are bounded by its timeout.
func (b *Bridge) oauth1Config(cfg provider.Config, callbackURL string) *oauth1.Config {
	return &oauth1.Config{
		ConsumerKey:    cfg.ClientID,
		ConsumerSecret: cfg.ClientSecret,
		CallbackURL:    callbackURL,
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: cfg.RequestTokenEndpoint,
			AuthorizeURL:    cfg.AuthorizationEndpoint,
			AccessTokenURL:  cfg.TokenEndpoint,
		},
		HTTPClient: b.httpClient,
	}
}

// oauth1Challenge obtains a request token and returns the authorize URL.
//
// The sealed state rides in the oauth_callback URL, which the provider
// calls back unchanged with oauth_token and oauth_verifier appended. The
// request token cannot go into the state because the callback URL is
// signed into the request that creates the token.
func (b *Bridge) oauth1Challenge(ctx context.Context, cfg provider.Config, st state.ChallengeState) (string, error) {
	token, err := b.states.Encode(st)
	if err != nil {
		return "", fmt.Errorf("bridge: encoding state: %w", err)
	}
	oc := b.oauth1Config(cfg, b.CallbackURL(cfg)+"?"+url.Values{"state": {token}}.Encode())

	start := time.Now()
	requestToken, _, err := oc.RequestToken()
	b.metrics.ProviderCall(cfg.Key(), "request_token", err, time.Since(start))
	if err != nil {
		return "", classify("request token", err)
	}

	authURL, err := oc.AuthorizationURL(requestToken)
	if err != nil {
		return "", fmt.Errorf("bridge: building authorize url: %w", err)
	}
	return authURL.String(), nil
}

// exchangeOAuth1 trades the token/verifier pair for an access token and
// fetches the account profile with a signed client. The request-token
// secret is not available here (see oauth1Challenge), so the access-token
// request is signed with an empty token secret.
func (b *Bridge) exchangeOAuth1(ctx context.Context, cfg provider.Config, env codeEnvelope) ([]byte, error) {
	oc := b.oauth1Config(cfg, "")

	start := time.Now()
	accessToken, accessSecret, err := oc.AccessToken(env.OAuthToken, "", env.OAuthVerifier)
	b.metrics.ProviderCall(cfg.Key(), "access_token", err, time.Since(start))
	if err != nil {
		return nil, classify("access token", err)
	}

	signed := oc.Client(context.WithValue(ctx, oauth1.HTTPClient, b.httpClient), oauth1.NewToken(accessToken, accessSecret))
	return b.fetchProfile(ctx, cfg, signed)
}
