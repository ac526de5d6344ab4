// Package provider holds the static configuration of every external identity
// provider the bridge can talk to. Configurations are loaded once at startup,
// validated, and never mutated afterwards, so a Registry can be read from any
// number of goroutines without locking.
package provider

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrUnknownProvider is returned when a provider name is not registered.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// ProtocolKind selects how challenges are built and codes are exchanged
// for a provider.
type ProtocolKind string

const (
	// OAuth2Code is the plain authorization-code flow followed by a call to
	// the provider's userinfo endpoint.
	OAuth2Code ProtocolKind = "oauth2"

	// OidcCode is the OpenID Connect code (or hybrid) flow. The subject is
	// read from the verified id_token.
	OidcCode ProtocolKind = "oidc"

	// OAuth1Style covers legacy request-token providers (Twitter).
	OAuth1Style ProtocolKind = "oauth1"
)

// Valid reports whether k is one of the supported protocol kinds.
func (k ProtocolKind) Valid() bool {
	switch k {
	case OAuth2Code, OidcCode, OAuth1Style:
		return true
	}
	return false
}

const (
	// ResponseTypeCode is the default OAuth2/OIDC response type.
	ResponseTypeCode = "code"

	// ResponseTypeHybrid asks an OIDC provider for code and id_token at once.
	// Providers deliver hybrid responses by form POST.
	ResponseTypeHybrid = "code id_token"

	// callbackPrefix is the default callback path prefix. The provider name
	// is appended in lower case.
	callbackPrefix = "/external-auth/callback-"
)

// Config is the immutable configuration of one external identity provider.
type Config struct {
	// Name is the provider key used by clients (case-insensitive).
	Name string
	Kind ProtocolKind

	ClientID     string
	ClientSecret string

	AuthorizationEndpoint string
	TokenEndpoint         string

	// UserinfoEndpoint is the profile endpoint queried after the exchange
	// for OAuth2 and OAuth1 providers. Unused for OIDC.
	UserinfoEndpoint string

	// RequestTokenEndpoint is only used by OAuth1 providers.
	RequestTokenEndpoint string

	// Issuer and JWKSURL configure id_token verification for OIDC providers.
	// When JWKSURL is empty the keys are found through discovery.
	Issuer          string
	JWKSURL         string
	SkipIssuerCheck bool

	// CallbackPath is the path the provider redirects back to.
	CallbackPath string
	Scopes       []string

	// ResponseType is "code" or "code id_token" (OIDC only).
	ResponseType string

	// SubjectClaim names the profile or id_token claim holding the stable
	// external user identifier.
	SubjectClaim string

	// UsePKCE adds an S256 code challenge to OAuth2/OIDC challenges.
	UsePKCE bool

	// AuthParams are extra query parameters added to the authorization URL
	// (e.g. prompt=select_account).
	AuthParams map[string]string
}

// Key returns the normalized registry key for the provider.
func (c *Config) Key() string {
	return strings.ToLower(c.Name)
}

// IsHybrid reports whether the provider answers with code and id_token by
// form POST.
func (c *Config) IsHybrid() bool {
	return c.Kind == OidcCode && c.ResponseType == ResponseTypeHybrid
}

// clone returns a deep copy so callers cannot mutate registry state through
// shared slices or maps.
func (c Config) clone() Config {
	c.Scopes = slices.Clone(c.Scopes)
	c.AuthParams = maps.Clone(c.AuthParams)
	return c
}

// withDefaults fills the fields that have a sensible default for the kind.
func (c Config) withDefaults() Config {
	if c.CallbackPath == "" {
		c.CallbackPath = callbackPrefix + c.Key()
	}
	if c.Kind == OidcCode {
		if c.ResponseType == "" {
			c.ResponseType = ResponseTypeCode
		}
		if c.SubjectClaim == "" {
			c.SubjectClaim = "sub"
		}
		if !slices.Contains(c.Scopes, "openid") {
			c.Scopes = append([]string{"openid"}, c.Scopes...)
		}
	}
	if c.SubjectClaim == "" {
		c.SubjectClaim = "id"
	}
	return c
}

// validate checks that every field required by the protocol kind is set.
func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("provider: name is required")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("provider %q: unsupported protocol kind %q", c.Name, c.Kind)
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %q: client id is required", c.Name)
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("provider %q: callback path must start with /", c.Name)
	}

	switch c.Kind {
	case OAuth2Code:
		if c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" {
			return fmt.Errorf("provider %q: authorization and token endpoints are required", c.Name)
		}
		if c.UserinfoEndpoint == "" {
			return fmt.Errorf("provider %q: userinfo endpoint is required", c.Name)
		}
	case OidcCode:
		if c.Issuer == "" {
			return fmt.Errorf("provider %q: issuer is required", c.Name)
		}
		// Without discovery nothing else supplies the endpoints.
		if c.JWKSURL != "" && (c.AuthorizationEndpoint == "" || c.TokenEndpoint == "") {
			return fmt.Errorf("provider %q: authorization and token endpoints are required with jwks_url", c.Name)
		}
		if c.ResponseType != ResponseTypeCode && c.ResponseType != ResponseTypeHybrid {
			return fmt.Errorf("provider %q: unsupported response type %q", c.Name, c.ResponseType)
		}
	case OAuth1Style:
		if c.RequestTokenEndpoint == "" || c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" {
			return fmt.Errorf("provider %q: request token, authorization and access token endpoints are required", c.Name)
		}
		if c.UserinfoEndpoint == "" {
			return fmt.Errorf("provider %q: account info endpoint is required", c.Name)
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("provider %q: consumer secret is required", c.Name)
		}
	}
	return nil
}
