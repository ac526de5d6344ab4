// Package bridge turns a browser-popup external login into a stateless
// backend flow.
//
// BuildChallenge redirects the popup to the provider with the flow context
// sealed into the state parameter. HandleCallback recovers that context and
// sends the browser to the relay page with {provider, code} in the URL
// fragment. The relay page posts the result to the opening window. The SPA
// then presents the code to the token endpoint, whose grant validator calls
// Exchange to turn it into a verified ExternalIdentity.
//
// Nothing is stored between those steps except the optional replay guard.
package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/metrics"
	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

const (
	// DefaultRelayPath is where the relay page is served.
	DefaultRelayPath = "/external-auth/oauth-result"

	// DefaultHTTPTimeout bounds every outbound provider call.
	DefaultHTTPTimeout = 10 * time.Second

	nonceBytes = 32
)

// Config holds the bridge dependencies and settings.
type Config struct {
	Registry *provider.Registry

	// States seals the challenge state; Codes seals code envelopes. They
	// must use different purposes.
	States *state.Codec
	Codes  *state.Codec

	// Replay defaults to state.NopReplayGuard.
	Replay state.ReplayGuard

	// PublicURL is the externally reachable base URL of this service, used
	// to build redirect_uri and the relay URL.
	PublicURL string
	RelayPath string

	// AllowedReturnOrigins restricts return URLs to these origins
	// (scheme://host[:port]). Empty allows any http(s) URL.
	AllowedReturnOrigins []string

	HTTPTimeout time.Duration

	// HTTPClient overrides the client used for provider calls. Its timeout
	// is replaced by HTTPTimeout when unset.
	HTTPClient *http.Client

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Bridge implements the challenge, callback, relay and exchange steps. It
// is safe for concurrent use.
type Bridge struct {
	registry *provider.Registry
	states   *state.Codec
	codes    *state.Codec
	replay   state.ReplayGuard

	publicURL      *url.URL
	relayPath      string
	allowedOrigins []string

	timeout    time.Duration
	httpClient *http.Client

	logger  *zap.Logger
	metrics *metrics.Metrics

	oidc sync.Map // provider key -> *oidcProvider
}

// New validates cfg and returns a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	if cfg.States == nil || cfg.Codes == nil {
		return nil, errors.New("bridge: state and code codecs are required")
	}

	pub, err := url.Parse(strings.TrimRight(cfg.PublicURL, "/"))
	if err != nil || !pub.IsAbs() || pub.Host == "" {
		return nil, fmt.Errorf("bridge: public url %q must be absolute", cfg.PublicURL)
	}

	b := &Bridge{
		registry:   cfg.Registry,
		states:     cfg.States,
		codes:      cfg.Codes,
		replay:     cfg.Replay,
		publicURL:  pub,
		relayPath:  cfg.RelayPath,
		timeout:    cfg.HTTPTimeout,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if b.replay == nil {
		b.replay = state.NopReplayGuard{}
	}
	if b.relayPath == "" {
		b.relayPath = DefaultRelayPath
	}
	if b.timeout <= 0 {
		b.timeout = DefaultHTTPTimeout
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: b.timeout}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.Named("bridge")

	for _, o := range cfg.AllowedReturnOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("bridge: allowed return origin %q is not an origin", o)
		}
		b.allowedOrigins = append(b.allowedOrigins, strings.ToLower(u.Scheme+"://"+u.Host))
	}

	return b, nil
}

// Registry returns the provider registry the bridge was built with.
func (b *Bridge) Registry() *provider.Registry {
	return b.registry
}

// CallbackURL is the redirect_uri registered with the provider.
func (b *Bridge) CallbackURL(cfg provider.Config) string {
	return b.publicURL.String() + cfg.CallbackPath
}

// RelayURL is the absolute URL of the relay page.
func (b *Bridge) RelayURL() string {
	return b.publicURL.String() + b.relayPath
}

// RelayPath is the path the relay page must be served on.
func (b *Bridge) RelayPath() string {
	return b.relayPath
}

// checkReturnURL accepts empty return URLs and absolute http(s) URLs whose
// origin is allowed.
func (b *Bridge) checkReturnURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return ErrInvalidReturnURL
	}
	if len(b.allowedOrigins) == 0 {
		return nil
	}
	if !slices.Contains(b.allowedOrigins, strings.ToLower(u.Scheme+"://"+u.Host)) {
		return ErrInvalidReturnURL
	}
	return nil
}

// relayRedirect builds the relay URL carrying values in the fragment.
func (b *Bridge) relayRedirect(values url.Values) string {
	return b.RelayURL() + "#" + values.Encode()
}

// ErrorRedirect is the relay URL reporting err for providerName. returnURL
// is only included when it passes the return URL check.
func (b *Bridge) ErrorRedirect(providerName, returnURL string, err error) string {
	v := url.Values{}
	if providerName != "" {
		v.Set("provider", providerName)
	}
	v.Set("error", ErrorCode(err))
	if d := errorDescription(err); d != "" {
		v.Set("errorDescription", d)
	}
	if returnURL != "" && b.checkReturnURL(returnURL) == nil {
		v.Set("returnUrl", returnURL)
	}
	return b.relayRedirect(v)
}
