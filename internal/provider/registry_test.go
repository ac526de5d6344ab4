package provider

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func googleConfig() Config {
	return Config{
		Name:                  "Google",
		Kind:                  OidcCode,
		ClientID:              "google-id",
		ClientSecret:          "google-secret",
		Issuer:                "https://accounts.google.com",
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
	}
}

func TestRegistry_LookupIsCaseInsensitive(t *testing.T) {
	reg, err := NewRegistry([]Config{googleConfig()})
	require.NoError(t, err)

	for _, name := range []string{"google", "GOOGLE", "Google"} {
		cfg, err := reg.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, "google-id", cfg.ClientID)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg, err := NewRegistry([]Config{googleConfig()})
	require.NoError(t, err)

	_, err = reg.Lookup("myspace")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestRegistry_AppliesDefaults(t *testing.T) {
	reg, err := NewRegistry([]Config{googleConfig()})
	require.NoError(t, err)

	cfg, err := reg.Lookup("google")
	require.NoError(t, err)
	assert.Equal(t, "/external-auth/callback-google", cfg.CallbackPath)
	assert.Equal(t, ResponseTypeCode, cfg.ResponseType)
	assert.Equal(t, "sub", cfg.SubjectClaim)
	assert.Equal(t, []string{"openid"}, cfg.Scopes)
}

func TestRegistry_LookupReturnsCopy(t *testing.T) {
	in := googleConfig()
	in.Scopes = []string{"openid", "email"}
	reg, err := NewRegistry([]Config{in})
	require.NoError(t, err)

	cfg, err := reg.Lookup("google")
	require.NoError(t, err)
	cfg.Scopes[0] = "mutated"

	again, err := reg.Lookup("google")
	require.NoError(t, err)
	assert.Equal(t, "openid", again.Scopes[0])
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	a := googleConfig()
	b := googleConfig()
	b.Name = "GOOGLE"

	_, err := NewRegistry([]Config{a, b})
	require.Error(t, err)

	c := googleConfig()
	c.Name = "other"
	c.CallbackPath = "/external-auth/callback-google"
	_, err = NewRegistry([]Config{a, c})
	require.Error(t, err)
}

func TestRegistry_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing name", Config{Kind: OAuth2Code, ClientID: "x"}},
		{"bad kind", Config{Name: "x", Kind: "saml", ClientID: "x"}},
		{"oauth2 without userinfo", Config{Name: "x", Kind: OAuth2Code, ClientID: "x", AuthorizationEndpoint: "a", TokenEndpoint: "t"}},
		{"oidc without issuer", Config{Name: "x", Kind: OidcCode, ClientID: "x"}},
		{"oauth1 without secret", Config{Name: "x", Kind: OAuth1Style, ClientID: "x", RequestTokenEndpoint: "r", AuthorizationEndpoint: "a", TokenEndpoint: "t", UserinfoEndpoint: "u"}},
		{"relative callback", Config{Name: "x", Kind: OAuth2Code, ClientID: "x", AuthorizationEndpoint: "a", TokenEndpoint: "t", UserinfoEndpoint: "u", CallbackPath: "signin-x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry([]Config{tt.cfg})
			assert.Error(t, err)
		})
	}
}

func TestRegistry_ProviderForCallback(t *testing.T) {
	tw := Config{
		Name:                  "Twitter",
		Kind:                  OAuth1Style,
		ClientID:              "key",
		ClientSecret:          "secret",
		RequestTokenEndpoint:  "https://api.twitter.com/oauth/request_token",
		AuthorizationEndpoint: "https://api.twitter.com/oauth/authenticate",
		TokenEndpoint:         "https://api.twitter.com/oauth/access_token",
		UserinfoEndpoint:      "https://api.twitter.com/1.1/account/verify_credentials.json",
		CallbackPath:          "/signin-twitter",
	}
	reg, err := NewRegistry([]Config{googleConfig(), tw})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, ok := reg.ProviderForCallback("/signin-twitter")
			assert.True(t, ok)
			assert.Equal(t, "Twitter", name)
		}()
	}
	wg.Wait()

	name, ok := reg.ProviderForCallback("/external-auth/callback-google")
	require.True(t, ok)
	assert.Equal(t, "Google", name)

	_, ok = reg.ProviderForCallback("/signin-nowhere")
	assert.False(t, ok)
}

func TestApplyPreset(t *testing.T) {
	cfg, err := ApplyPreset(Config{Name: "google", ClientID: "id", ClientSecret: "s"}, PresetGoogle, "")
	require.NoError(t, err)
	assert.Equal(t, OidcCode, cfg.Kind)
	assert.Equal(t, "https://accounts.google.com", cfg.Issuer)
	assert.NotEmpty(t, cfg.AuthorizationEndpoint)

	cfg, err = ApplyPreset(Config{Name: "fb", ClientID: "id", Scopes: []string{"email"}}, PresetFacebook, "")
	require.NoError(t, err)
	assert.Equal(t, OAuth2Code, cfg.Kind)
	assert.Equal(t, []string{"email"}, cfg.Scopes)

	cfg, err = ApplyPreset(Config{Name: "aad", ClientID: "id"}, PresetAzureAD, "contoso")
	require.NoError(t, err)
	assert.Equal(t, ResponseTypeHybrid, cfg.ResponseType)
	assert.Contains(t, cfg.AuthorizationEndpoint, "/contoso/")
	assert.False(t, cfg.SkipIssuerCheck)

	_, err = ApplyPreset(Config{Name: "x"}, "myspace", "")
	assert.Error(t, err)
}
