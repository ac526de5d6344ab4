package bridge

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

// BuildChallenge returns the provider authorization URL that starts a login
// for providerName. The flow context (return URL, provider, nonce and PKCE
// verifier) travels sealed in the state parameter; nothing is stored.
//
// OAuth1 providers need a request token first, so for them this performs one
// outbound call bounded by the bridge timeout.
func (b *Bridge) BuildChallenge(ctx context.Context, providerName, returnURL string) (string, error) {
	cfg, err := b.registry.Lookup(providerName)
	if err != nil {
		b.metrics.Challenge("unknown", CodeInvalidRequest)
		return "", err
	}
	if err := b.checkReturnURL(returnURL); err != nil {
		b.metrics.Challenge(cfg.Key(), CodeInvalidRequest)
		return "", err
	}

	nonce, err := state.RandomToken(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("bridge: generating nonce: %w", err)
	}
	st := state.ChallengeState{
		ReturnURL: returnURL,
		Provider:  cfg.Name,
		Nonce:     nonce,
	}

	var redirect string
	switch cfg.Kind {
	case provider.OAuth1Style:
		redirect, err = b.oauth1Challenge(ctx, cfg, st)
	default:
		redirect, err = b.oauth2Challenge(ctx, cfg, st)
	}
	if err != nil {
		b.metrics.Challenge(cfg.Key(), metricResult(err))
		return "", err
	}

	b.metrics.Challenge(cfg.Key(), "ok")
	b.logger.Debug("challenge built",
		zap.String("provider", cfg.Name),
		zap.String("kind", string(cfg.Kind)),
	)
	return redirect, nil
}

func (b *Bridge) oauth2Challenge(ctx context.Context, cfg provider.Config, st state.ChallengeState) (string, error) {
	oc, err := b.oauth2Config(ctx, cfg)
	if err != nil {
		return "", err
	}

	var opts []oauth2.AuthCodeOption
	if cfg.UsePKCE {
		st.PKCEVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(st.PKCEVerifier))
	}
	if cfg.Kind == provider.OidcCode {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", st.Nonce))
		if cfg.IsHybrid() {
			opts = append(opts,
				oauth2.SetAuthURLParam("response_type", cfg.ResponseType),
				oauth2.SetAuthURLParam("response_mode", "form_post"),
			)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.AuthParams)) {
		opts = append(opts, oauth2.SetAuthURLParam(k, cfg.AuthParams[k]))
	}

	token, err := b.states.Encode(st)
	if err != nil {
		return "", fmt.Errorf("bridge: encoding state: %w", err)
	}
	return oc.AuthCodeURL(token, opts...), nil
}

// oauth2Config builds the x/oauth2 configuration for an OAuth2 or OIDC
// provider. OIDC providers without explicit endpoints use discovery.
func (b *Bridge) oauth2Config(ctx context.Context, cfg provider.Config) (*oauth2.Config, error) {
	endpoint := oauth2.Endpoint{
		AuthURL:  cfg.AuthorizationEndpoint,
		TokenURL: cfg.TokenEndpoint,
	}
	if cfg.Kind == provider.OidcCode && (endpoint.AuthURL == "" || endpoint.TokenURL == "") {
		op, err := b.oidcProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		discovered := op.endpoint
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  b.CallbackURL(cfg),
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}, nil
}
