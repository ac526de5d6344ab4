package state

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Every decoding failure wraps ErrInvalidState so callers
// can treat them uniformly with errors.Is.
var (
	ErrInvalidState   = errors.New("state: invalid state")
	ErrStateMalformed = fmt.Errorf("%w: malformed", ErrInvalidState)
	ErrStateTampered  = fmt.Errorf("%w: authentication failed", ErrInvalidState)
	ErrStateExpired   = fmt.Errorf("%w: expired", ErrInvalidState)
	ErrStateReplayed  = fmt.Errorf("%w: already used", ErrInvalidState)
)

// ChallengeState is the flow context carried through the provider inside
// the state parameter.
type ChallengeState struct {
	ReturnURL string `json:"r,omitempty"`
	Provider  string `json:"p"`

	// PKCEVerifier is set when the provider uses PKCE.
	PKCEVerifier string `json:"v,omitempty"`

	// Nonce is always set. OIDC providers receive it as the nonce parameter;
	// for every provider it is the single-use key of the flow.
	Nonce string `json:"n"`

	IssuedAt time.Time `json:"-"`
}

// ReplayKey identifies the flow for single-use enforcement.
func (s ChallengeState) ReplayKey() string {
	return HashKey(s.Provider + ":" + s.Nonce)
}

// RandomToken returns a URL-safe base64 string of n random bytes.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashKey returns the hex SHA-256 of s. Replay guards only ever store
// hashes.
func HashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
