package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkeep-io/extauth/internal/metrics"
	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

const testPublicURL = "https://auth.example.test"

type testEnv struct {
	bridge *Bridge
	states *state.Codec
	fake   *fakeProvider
}

type envOption func(*Config)

func newTestEnv(t *testing.T, configs func(fakeURL string) []provider.Config, opts ...envOption) *testEnv {
	t.Helper()
	fake := newFakeProvider(t, "client-1")

	reg, err := provider.NewRegistry(configs(fake.URL()))
	require.NoError(t, err)

	secret := bytes.Repeat([]byte("s"), 32)
	states, err := state.NewCodec(state.CodecConfig{Secret: secret, Purpose: state.PurposeState})
	require.NoError(t, err)
	codes, err := state.NewCodec(state.CodecConfig{Secret: secret, Purpose: state.PurposeCode})
	require.NoError(t, err)

	cfg := Config{
		Registry:  reg,
		States:    states,
		Codes:     codes,
		PublicURL: testPublicURL,
		Logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	b, err := New(cfg)
	require.NoError(t, err)

	return &testEnv{bridge: b, states: states, fake: fake}
}

func oauth2Provider(name string, pkce bool) func(string) []provider.Config {
	return func(base string) []provider.Config {
		return []provider.Config{{
			Name:                  name,
			Kind:                  provider.OAuth2Code,
			ClientID:              "client-1",
			ClientSecret:          "secret-1",
			AuthorizationEndpoint: base + "/authorize",
			TokenEndpoint:         base + "/token",
			UserinfoEndpoint:      base + "/userinfo",
			Scopes:                []string{"email", "profile"},
			UsePKCE:               pkce,
		}}
	}
}

func oidcProviderConfig(name string, hybrid bool) func(string) []provider.Config {
	return func(base string) []provider.Config {
		cfg := provider.Config{
			Name:         name,
			Kind:         provider.OidcCode,
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			Issuer:       base,
			Scopes:       []string{"email"},
		}
		if hybrid {
			cfg.ResponseType = provider.ResponseTypeHybrid
		}
		return []provider.Config{cfg}
	}
}

func oauth1Provider(base string) []provider.Config {
	return []provider.Config{{
		Name:                  "twitter",
		Kind:                  provider.OAuth1Style,
		ClientID:              "consumer-key",
		ClientSecret:          "consumer-secret",
		RequestTokenEndpoint:  base + "/oauth/request_token",
		AuthorizationEndpoint: base + "/oauth/authenticate",
		TokenEndpoint:         base + "/oauth/access_token",
		UserinfoEndpoint:      base + "/account/verify_credentials.json",
		SubjectClaim:          "id_str",
	}}
}

// relayFragment asserts redirect points at the relay page with an empty
// query and returns the fragment values.
func relayFragment(t *testing.T, redirect string) url.Values {
	t.Helper()
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, testPublicURL+DefaultRelayPath, u.Scheme+"://"+u.Host+u.Path)
	assert.Empty(t, u.RawQuery)
	v, err := url.ParseQuery(u.Fragment)
	require.NoError(t, err)
	return v
}

func TestBuildChallenge_OAuth2(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false))
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "Google", "https://app.example/done")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, env.fake.URL()+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, testPublicURL+"/external-auth/callback-google", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "email profile", q.Get("scope"))
	assert.Empty(t, q.Get("code_challenge"))

	st, err := env.states.Decode(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example/done", st.ReturnURL)
	assert.Equal(t, "google", st.Provider)
	assert.NotEmpty(t, st.Nonce)
	assert.Empty(t, st.PKCEVerifier)
}

func TestBuildChallenge_PKCEAndAuthParams(t *testing.T) {
	env := newTestEnv(t, func(base string) []provider.Config {
		cfgs := oauth2Provider("github", true)(base)
		cfgs[0].AuthParams = map[string]string{"prompt": "select_account"}
		return cfgs
	})

	redirect, err := env.bridge.BuildChallenge(context.Background(), "github", "")
	require.NoError(t, err)
	q := mustQuery(t, redirect)

	st, err := env.states.Decode(q.Get("state"))
	require.NoError(t, err)
	require.NotEmpty(t, st.PKCEVerifier)

	sum := sha256.Sum256([]byte(st.PKCEVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "select_account", q.Get("prompt"))
}

func TestBuildChallenge_OIDCHybrid(t *testing.T) {
	env := newTestEnv(t, oidcProviderConfig("azuread", true))

	redirect, err := env.bridge.BuildChallenge(context.Background(), "azuread", "https://app.example/")
	require.NoError(t, err)
	q := mustQuery(t, redirect)

	assert.True(t, strings.HasPrefix(redirect, env.fake.URL()+"/authorize?"))
	assert.Equal(t, "code id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "openid email", q.Get("scope"))

	st, err := env.states.Decode(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, st.Nonce, q.Get("nonce"))
}

func TestBuildChallenge_Rejects(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false), func(c *Config) {
		c.AllowedReturnOrigins = []string{"https://app.example"}
	})
	ctx := context.Background()

	_, err := env.bridge.BuildChallenge(ctx, "myspace", "https://app.example/")
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))
	assert.Equal(t, CodeInvalidRequest, ErrorCode(err))

	for _, bad := range []string{"https://evil.example/", "javascript:alert(1)", "/relative", "https://app.example.evil.test/"} {
		_, err = env.bridge.BuildChallenge(ctx, "google", bad)
		assert.True(t, errors.Is(err, ErrInvalidReturnURL), bad)
	}

	_, err = env.bridge.BuildChallenge(ctx, "google", "https://APP.example/done?x=1")
	assert.NoError(t, err)
}

func TestHandleCallback_RelaysCodeInFragment(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false))
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "google", "https://app.example/done")
	require.NoError(t, err)
	stateToken := mustQuery(t, redirect).Get("state")

	relay, err := env.bridge.HandleCallback(ctx, "google", url.Values{"code": {"abc123"}, "state": {stateToken}})
	require.NoError(t, err)

	frag := relayFragment(t, relay)
	assert.Equal(t, "google", frag.Get("provider"))
	assert.Equal(t, "abc123", frag.Get("code"))
	assert.Equal(t, "https://app.example/done", frag.Get("returnUrl"))
	assert.NotContains(t, relay, "?")
}

func TestHandleCallback_Failures(t *testing.T) {
	env := newTestEnv(t, func(base string) []provider.Config {
		return append(oauth2Provider("google", false)(base), oauth2Provider("facebook", false)(base)...)
	}, func(c *Config) {
		c.Replay = state.NewMemoryReplayGuard(time.Minute)
	})
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "google", "https://app.example/done")
	require.NoError(t, err)
	good := mustQuery(t, redirect).Get("state")

	tampered := []byte(good)
	tampered[len(tampered)/2] ^= 0x01

	tests := []struct {
		name       string
		provider   string
		params     url.Values
		wantCode   string
		wantReturn string
	}{
		{"unknown provider", "myspace", url.Values{"code": {"x"}, "state": {good}}, CodeInvalidRequest, ""},
		{"tampered state", "google", url.Values{"code": {"x"}, "state": {string(tampered)}}, CodeInvalidState, ""},
		{"missing state", "google", url.Values{"code": {"x"}}, CodeInvalidState, ""},
		{"state for other provider", "facebook", url.Values{"code": {"x"}, "state": {good}}, CodeInvalidState, ""},
		{"provider denial", "google", url.Values{"error": {"access_denied"}, "error_description": {"User cancelled"}, "state": {good}}, "access_denied", "https://app.example/done"},
		{"odd provider error", "google", url.Values{"error": {"<script>"}, "state": {good}}, CodeAccessDenied, "https://app.example/done"},
		{"missing code", "google", url.Values{"state": {good}}, CodeInvalidRequest, "https://app.example/done"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, err := env.bridge.HandleCallback(ctx, tt.provider, tt.params)
			require.Error(t, err)
			frag := relayFragment(t, relay)
			assert.Equal(t, tt.wantCode, frag.Get("error"))
			assert.NotEmpty(t, frag.Get("errorDescription"))
			assert.Equal(t, tt.wantReturn, frag.Get("returnUrl"))
			assert.Empty(t, frag.Get("code"))
		})
	}
}

func TestHandleCallback_ReplayIsRejected(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false), func(c *Config) {
		c.Replay = state.NewMemoryReplayGuard(time.Minute)
	})
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "google", "https://app.example/done")
	require.NoError(t, err)
	params := url.Values{"code": {"abc123"}, "state": {mustQuery(t, redirect).Get("state")}}

	_, err = env.bridge.HandleCallback(ctx, "google", params)
	require.NoError(t, err)

	relay, err := env.bridge.HandleCallback(ctx, "google", params)
	assert.True(t, errors.Is(err, state.ErrStateReplayed))
	assert.Equal(t, CodeInvalidState, relayFragment(t, relay).Get("error"))
}

func TestExchange_OAuth2CodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false))
	ctx := context.Background()
	env.fake.addCode("abc123", testPublicURL+"/external-auth/callback-google", "", "")

	id, err := env.bridge.Exchange(ctx, "google", "abc123", "")
	require.NoError(t, err)
	assert.Equal(t, "google", id.Provider)
	assert.Equal(t, "12345", id.ExternalID)
	assert.Equal(t, "u1@example.com", id.Claims["email"])

	_, err = env.bridge.Exchange(ctx, "google", "abc123", "")
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestExchange_RedirectURIMustMatch(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false))
	env.fake.addCode("abc123", testPublicURL+"/external-auth/callback-google", "", "")

	_, err := env.bridge.Exchange(context.Background(), "google", "abc123", "https://elsewhere.example/cb")
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestExchange_PKCERoundTrip(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("github", true))
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "github", "https://app.example/")
	require.NoError(t, err)
	q := mustQuery(t, redirect)
	env.fake.addCode("gh-code", q.Get("redirect_uri"), q.Get("code_challenge"), "")

	relay, err := env.bridge.HandleCallback(ctx, "github", url.Values{"code": {"gh-code"}, "state": {q.Get("state")}})
	require.NoError(t, err)
	relayed := relayFragment(t, relay).Get("code")
	assert.True(t, strings.HasPrefix(relayed, envelopePrefix))
	assert.NotContains(t, relayed, "gh-code")

	id, err := env.bridge.Exchange(ctx, "github", relayed, "")
	require.NoError(t, err)
	assert.Equal(t, "12345", id.ExternalID)

	// The raw code alone is useless without the verifier in the envelope.
	_, err = env.bridge.Exchange(ctx, "github", "gh-code", "")
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestExchange_OIDCVerifiesIDToken(t *testing.T) {
	env := newTestEnv(t, oidcProviderConfig("google", false))
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "google", "https://app.example/")
	require.NoError(t, err)
	q := mustQuery(t, redirect)
	env.fake.addCode("oidc-code", q.Get("redirect_uri"), "", q.Get("nonce"))

	relay, err := env.bridge.HandleCallback(ctx, "google", url.Values{"code": {"oidc-code"}, "state": {q.Get("state")}})
	require.NoError(t, err)

	id, err := env.bridge.Exchange(ctx, "google", relayFragment(t, relay).Get("code"), "")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ExternalID)
	assert.Equal(t, "u1@example.com", id.Claims["email"])
}

func TestExchange_OIDCNonceMismatch(t *testing.T) {
	env := newTestEnv(t, oidcProviderConfig("google", false))
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "google", "")
	require.NoError(t, err)
	q := mustQuery(t, redirect)
	env.fake.addCode("oidc-code", q.Get("redirect_uri"), "", "someone-elses-nonce")

	relay, err := env.bridge.HandleCallback(ctx, "google", url.Values{"code": {"oidc-code"}, "state": {q.Get("state")}})
	require.NoError(t, err)

	_, err = env.bridge.Exchange(ctx, "google", relayFragment(t, relay).Get("code"), "")
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestExchange_OAuth1Flow(t *testing.T) {
	env := newTestEnv(t, oauth1Provider)
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "twitter", "https://app.example/")
	require.NoError(t, err)
	assert.Equal(t, "rt1", mustQuery(t, redirect).Get("oauth_token"))

	cb, err := url.Parse(env.fake.callbackSeen())
	require.NoError(t, err)
	assert.Equal(t, testPublicURL+"/external-auth/callback-twitter", cb.Scheme+"://"+cb.Host+cb.Path)

	params := cb.Query()
	params.Set("oauth_token", "rt1")
	params.Set("oauth_verifier", "v1")
	relay, err := env.bridge.HandleCallback(ctx, "twitter", params)
	require.NoError(t, err)

	frag := relayFragment(t, relay)
	assert.Equal(t, "twitter", frag.Get("provider"))
	assert.Equal(t, "https://app.example/", frag.Get("returnUrl"))

	id, err := env.bridge.Exchange(ctx, "twitter", frag.Get("code"), "")
	require.NoError(t, err)
	assert.Equal(t, "99", id.ExternalID)
	assert.Equal(t, "jack", id.Claims["screen_name"])
}

func TestHandleCallback_OAuth1Denied(t *testing.T) {
	env := newTestEnv(t, oauth1Provider)

	redirect, err := env.bridge.BuildChallenge(context.Background(), "twitter", "")
	require.NoError(t, err)
	require.NotEmpty(t, redirect)

	cb, err := url.Parse(env.fake.callbackSeen())
	require.NoError(t, err)
	params := cb.Query()
	params.Set("denied", "rt1")

	relay, err := env.bridge.HandleCallback(context.Background(), "twitter", params)
	require.Error(t, err)
	assert.Equal(t, CodeAccessDenied, relayFragment(t, relay).Get("error"))
}

func TestExchange_Timeout(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false), func(c *Config) {
		c.HTTPTimeout = 50 * time.Millisecond
	})
	env.fake.setDelay(300 * time.Millisecond)
	env.fake.addCode("slow", testPublicURL+"/external-auth/callback-google", "", "")

	_, err := env.bridge.Exchange(context.Background(), "google", "slow", "")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestBuildChallenge_OAuth1Timeout(t *testing.T) {
	env := newTestEnv(t, oauth1Provider, func(c *Config) {
		c.HTTPTimeout = 50 * time.Millisecond
	})
	env.fake.setDelay(300 * time.Millisecond)

	_, err := env.bridge.BuildChallenge(context.Background(), "twitter", "")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestExchange_OAuth1Timeout(t *testing.T) {
	env := newTestEnv(t, oauth1Provider, func(c *Config) {
		c.HTTPTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	_, err := env.bridge.BuildChallenge(ctx, "twitter", "")
	require.NoError(t, err)
	cb, err := url.Parse(env.fake.callbackSeen())
	require.NoError(t, err)
	params := cb.Query()
	params.Set("oauth_token", "rt1")
	params.Set("oauth_verifier", "v1")
	relay, err := env.bridge.HandleCallback(ctx, "twitter", params)
	require.NoError(t, err)

	env.fake.setDelay(300 * time.Millisecond)
	_, err = env.bridge.Exchange(ctx, "twitter", relayFragment(t, relay).Get("code"), "")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.True(t, errors.Is(err, ErrProviderRejected))
}

func TestHandleCallback_ProviderErrorLabelsAreBounded(t *testing.T) {
	m, err := metrics.New()
	require.NoError(t, err)
	env := newTestEnv(t, oauth2Provider("google", false), func(c *Config) {
		c.Metrics = m
	})
	ctx := context.Background()

	callback := func(code string) url.Values {
		redirect, err := env.bridge.BuildChallenge(ctx, "google", "")
		require.NoError(t, err)
		return url.Values{"error": {code}, "state": {mustQuery(t, redirect).Get("state")}}
	}

	relay, err := env.bridge.HandleCallback(ctx, "google", callback("access_denied"))
	require.Error(t, err)
	assert.Equal(t, "access_denied", relayFragment(t, relay).Get("error"))

	relay, err = env.bridge.HandleCallback(ctx, "google", callback("custom_0"))
	require.Error(t, err)
	assert.Equal(t, "custom_0", relayFragment(t, relay).Get("error"))

	series, err := testutil.GatherAndCount(m.Gatherer(), "extauth_callbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)

	for i := 1; i <= 20; i++ {
		_, err := env.bridge.HandleCallback(ctx, "google", callback(fmt.Sprintf("custom_%d", i)))
		require.Error(t, err)
	}

	after, err := testutil.GatherAndCount(m.Gatherer(), "extauth_callbacks_total")
	require.NoError(t, err)
	assert.Equal(t, series, after)
}

func TestExchange_MissingSubject(t *testing.T) {
	env := newTestEnv(t, oauth2Provider("google", false))
	env.fake.setProfile(map[string]any{"email": "nobody@example.com"})
	env.fake.addCode("abc", testPublicURL+"/external-auth/callback-google", "", "")

	_, err := env.bridge.Exchange(context.Background(), "google", "abc", "")
	assert.True(t, errors.Is(err, ErrMissingSubjectClaim))
}

func TestExchange_EnvelopeForOtherProvider(t *testing.T) {
	env := newTestEnv(t, func(base string) []provider.Config {
		return append(oauth2Provider("github", true)(base), oauth2Provider("gitlab", true)(base)...)
	})
	ctx := context.Background()

	redirect, err := env.bridge.BuildChallenge(ctx, "github", "")
	require.NoError(t, err)
	relay, err := env.bridge.HandleCallback(ctx, "github", url.Values{"code": {"c"}, "state": {mustQuery(t, redirect).Get("state")}})
	require.NoError(t, err)

	_, err = env.bridge.Exchange(ctx, "gitlab", relayFragment(t, relay).Get("code"), "")
	assert.True(t, errors.Is(err, ErrProviderRejected))

	_, err = env.bridge.Exchange(ctx, "nope", "c", "")
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))
}

func TestRelayPage(t *testing.T) {
	page := RelayPage()
	again := RelayPage()
	assert.Same(t, &page.Body[0], &again.Body[0])

	body := string(page.Body)
	assert.Contains(t, body, "postMessage")
	assert.Contains(t, body, "'oauth-result'")
	assert.NotContains(t, body, "{{SCRIPT}}")
	assert.Equal(t, "text/html; charset=utf-8", page.ContentType)

	script, err := assetsFS.ReadFile("assets/oauth-result.js")
	require.NoError(t, err)
	sum := sha256.Sum256(script)
	assert.Contains(t, page.ContentSecurityPolicy, "'sha256-"+base64.StdEncoding.EncodeToString(sum[:])+"'")

	js := SocialScript()
	assert.Contains(t, string(js.Body), "removeEventListener")
	assert.NotEmpty(t, js.ETag)
}

func TestNew_Validation(t *testing.T) {
	reg, err := provider.NewRegistry(nil)
	require.NoError(t, err)
	codec, err := state.NewCodec(state.CodecConfig{Secret: bytes.Repeat([]byte("s"), 32), Purpose: state.PurposeState})
	require.NoError(t, err)

	_, err = New(Config{Registry: reg, States: codec, Codes: codec, PublicURL: "/relative"})
	assert.Error(t, err)
	_, err = New(Config{Registry: reg, States: codec, PublicURL: testPublicURL})
	assert.Error(t, err)
	_, err = New(Config{Registry: reg, States: codec, Codes: codec, PublicURL: testPublicURL, AllowedReturnOrigins: []string{"app.example"}})
	assert.Error(t, err)
}

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}
