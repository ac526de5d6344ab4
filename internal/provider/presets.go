package provider

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Preset names accepted by ApplyPreset.
const (
	PresetGoogle   = "google"
	PresetFacebook = "facebook"
	PresetGitHub   = "github"
	PresetTwitter  = "twitter"
	PresetAzureAD  = "azuread"
)

// ApplyPreset fills the endpoints, scopes, protocol kind and subject claim
// of a well-known provider. Fields already set on cfg win over the preset.
// tenant is only used by the Azure AD preset and defaults to "common".
func ApplyPreset(cfg Config, preset, tenant string) (Config, error) {
	var p Config

	switch strings.ToLower(preset) {
	case "":
		return cfg, nil

	case PresetGoogle:
		p = Config{
			Kind:                  OidcCode,
			Issuer:                "https://accounts.google.com",
			AuthorizationEndpoint: google.Endpoint.AuthURL,
			TokenEndpoint:         google.Endpoint.TokenURL,
			Scopes:                []string{"openid", "email", "profile"},
			SubjectClaim:          "sub",
		}

	case PresetFacebook:
		p = Config{
			Kind:                  OAuth2Code,
			AuthorizationEndpoint: facebook.Endpoint.AuthURL,
			TokenEndpoint:         facebook.Endpoint.TokenURL,
			UserinfoEndpoint:      "https://graph.facebook.com/me?fields=id,name,email",
			Scopes:                []string{"email", "public_profile"},
			SubjectClaim:          "id",
		}

	case PresetGitHub:
		p = Config{
			Kind:                  OAuth2Code,
			AuthorizationEndpoint: github.Endpoint.AuthURL,
			TokenEndpoint:         github.Endpoint.TokenURL,
			UserinfoEndpoint:      "https://api.github.com/user",
			Scopes:                []string{"read:user", "user:email"},
			SubjectClaim:          "id",
		}

	case PresetTwitter:
		p = Config{
			Kind:                  OAuth1Style,
			RequestTokenEndpoint:  "https://api.twitter.com/oauth/request_token",
			AuthorizationEndpoint: "https://api.twitter.com/oauth/authenticate",
			TokenEndpoint:         "https://api.twitter.com/oauth/access_token",
			UserinfoEndpoint:      "https://api.twitter.com/1.1/account/verify_credentials.json",
			SubjectClaim:          "id_str",
		}

	case PresetAzureAD:
		if tenant == "" {
			tenant = "common"
		}
		ep := microsoft.AzureADEndpoint(tenant)
		p = Config{
			Kind:                  OidcCode,
			Issuer:                "https://login.microsoftonline.com/" + tenant + "/v2.0",
			AuthorizationEndpoint: ep.AuthURL,
			TokenEndpoint:         ep.TokenURL,
			JWKSURL:               "https://login.microsoftonline.com/" + tenant + "/discovery/v2.0/keys",
			Scopes:                []string{"openid", "email", "profile"},
			ResponseType:          ResponseTypeHybrid,
			SubjectClaim:          "sub",
			// Multi-tenant endpoints issue tokens whose iss names the user's
			// tenant, not "common".
			SkipIssuerCheck: tenant == "common" || tenant == "organizations" || tenant == "consumers",
		}

	default:
		return Config{}, fmt.Errorf("provider %q: unknown preset %q", cfg.Name, preset)
	}

	return merge(p, cfg), nil
}

// merge overlays the non-zero fields of override onto base.
func merge(base, override Config) Config {
	out := base
	out.Name = override.Name
	out.ClientID = override.ClientID
	out.ClientSecret = override.ClientSecret
	out.UsePKCE = base.UsePKCE || override.UsePKCE
	out.SkipIssuerCheck = base.SkipIssuerCheck || override.SkipIssuerCheck

	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	if override.Kind != "" {
		out.Kind = override.Kind
	}
	setIf(&out.AuthorizationEndpoint, override.AuthorizationEndpoint)
	setIf(&out.TokenEndpoint, override.TokenEndpoint)
	setIf(&out.UserinfoEndpoint, override.UserinfoEndpoint)
	setIf(&out.RequestTokenEndpoint, override.RequestTokenEndpoint)
	setIf(&out.Issuer, override.Issuer)
	setIf(&out.JWKSURL, override.JWKSURL)
	setIf(&out.CallbackPath, override.CallbackPath)
	setIf(&out.ResponseType, override.ResponseType)
	setIf(&out.SubjectClaim, override.SubjectClaim)

	if len(override.Scopes) > 0 {
		out.Scopes = override.Scopes
	}
	if len(override.AuthParams) > 0 {
		out.AuthParams = override.AuthParams
	}
	return out
}
