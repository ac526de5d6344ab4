package bridge

import (
	"strings"

	"github.com/arkeep-io/extauth/internal/provider"
	"github.com/arkeep-io/extauth/internal/state"
)

// envelopePrefix marks a relayed code that is a sealed envelope rather than
// the provider's raw authorization code.
const envelopePrefix = "xa1."

// codeEnvelope carries what the token exchange needs besides the provider
// code: the PKCE verifier and OIDC nonce from the state, or the OAuth1
// token/verifier pair. It is sealed with the code codec so the SPA only
// ever sees an opaque string.
type codeEnvelope struct {
	Provider      string `json:"p"`
	Code          string `json:"c,omitempty"`
	PKCEVerifier  string `json:"v,omitempty"`
	Nonce         string `json:"n,omitempty"`
	OAuthToken    string `json:"ot,omitempty"`
	OAuthVerifier string `json:"ov,omitempty"`
}

// needsEnvelope reports whether codes for cfg must be wrapped. Plain OAuth2
// without PKCE relays the raw provider code.
func needsEnvelope(cfg provider.Config) bool {
	return cfg.Kind != provider.OAuth2Code || cfg.UsePKCE
}

func sealEnvelope(codes *state.Codec, env codeEnvelope) (string, error) {
	sealed, err := codes.Seal(env)
	if err != nil {
		return "", err
	}
	return envelopePrefix + sealed, nil
}

// openEnvelope unwraps code. ok is false when code is not an envelope.
func openEnvelope(codes *state.Codec, code string) (env codeEnvelope, ok bool, err error) {
	sealed, found := strings.CutPrefix(code, envelopePrefix)
	if !found {
		return codeEnvelope{}, false, nil
	}
	if _, err := codes.Open(sealed, &env); err != nil {
		return codeEnvelope{}, true, err
	}
	return env, true, nil
}
