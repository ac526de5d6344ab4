// Package state seals flow context into opaque, authenticated, time-bounded
// tokens so the redirect round-trip through an external provider needs no
// server-side session storage.
//
// Tokens are AES-256-GCM ciphertexts under a key derived with HKDF from the
// configured secret and a purpose label. A token sealed for one purpose
// cannot be opened for another, and a token sealed under a different secret
// fails authentication. The issue time is part of the ciphertext.
package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLength is the minimum accepted secret length in bytes.
	MinSecretLength = 32

	// DefaultTTL bounds the lifetime of a sealed token.
	DefaultTTL = 5 * time.Minute

	// maxClockSkew tolerates issuers whose clock runs slightly ahead.
	maxClockSkew = 30 * time.Second

	keyInfoPrefix = "extauth/v1/"
)

// Purposes used by the broker. Each one gets an independent key.
const (
	PurposeState = "state"
	PurposeCode  = "code"

	// PurposeClaims keys the at-rest encryption of stored claims snapshots.
	PurposeClaims = "claims"
)

// CodecConfig configures a Codec.
type CodecConfig struct {
	// Secret is the current key material. It must outlive process restarts
	// or in-flight flows fail to decode after a redeploy.
	Secret []byte

	// PreviousSecrets are still accepted for decoding during key rotation.
	PreviousSecrets [][]byte

	// Purpose separates key spaces (PurposeState, PurposeCode).
	Purpose string

	TTL time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Codec seals and opens tokens for a single purpose. It is safe for
// concurrent use.
type Codec struct {
	aeads   []cipher.AEAD // aeads[0] seals, all of them open
	purpose string
	ttl     time.Duration
	now     func() time.Time
}

// NewCodec derives the purpose keys and returns a ready Codec.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if cfg.Purpose == "" {
		return nil, errors.New("state: purpose is required")
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("state: secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}

	c := &Codec{
		purpose: cfg.Purpose,
		ttl:     cfg.TTL,
		now:     cfg.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}

	for _, secret := range append([][]byte{cfg.Secret}, cfg.PreviousSecrets...) {
		if len(secret) < MinSecretLength {
			return nil, fmt.Errorf("state: previous secret must be at least %d bytes", MinSecretLength)
		}
		aead, err := newAEAD(DeriveKey(secret, cfg.Purpose))
		if err != nil {
			return nil, err
		}
		c.aeads = append(c.aeads, aead)
	}

	return c, nil
}

// TTL returns the maximum token age accepted by Open.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Seal JSON-encodes v, stamps the current time and encrypts the result.
// The returned string is URL-safe.
func (c *Codec) Seal(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("state: encoding payload: %w", err)
	}

	plaintext := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint64(plaintext, uint64(c.now().UnixMilli()))
	plaintext = append(plaintext, payload...)

	aead := c.aeads[0]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("state: generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(c.purpose))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts token into v and returns the time it was
// sealed. It fails with an error wrapping ErrInvalidState when the token is
// malformed, was tampered with, was sealed under another key or purpose, or
// is older than the TTL.
func (c *Codec) Open(token string, v any) (time.Time, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, ErrStateMalformed
	}

	var plaintext []byte
	for _, aead := range c.aeads {
		ns := aead.NonceSize()
		if len(data) < ns+aead.Overhead()+8 {
			return time.Time{}, ErrStateMalformed
		}
		plaintext, err = aead.Open(nil, data[:ns], data[ns:], []byte(c.purpose))
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, ErrStateTampered
	}

	issuedAt := time.UnixMilli(int64(binary.BigEndian.Uint64(plaintext[:8])))
	now := c.now()
	if now.Sub(issuedAt) > c.ttl {
		return issuedAt, ErrStateExpired
	}
	if issuedAt.Sub(now) > maxClockSkew {
		return issuedAt, ErrStateMalformed
	}

	if err := json.Unmarshal(plaintext[8:], v); err != nil {
		return issuedAt, ErrStateMalformed
	}
	return issuedAt, nil
}

// Encode seals a ChallengeState. IssuedAt is set to the sealing time.
func (c *Codec) Encode(s ChallengeState) (string, error) {
	if s.Provider == "" {
		return "", errors.New("state: provider is required")
	}
	s.IssuedAt = c.now().UTC().Truncate(time.Millisecond)
	return c.Seal(s)
}

// Decode opens a token produced by Encode.
func (c *Codec) Decode(token string) (ChallengeState, error) {
	var s ChallengeState
	issuedAt, err := c.Open(token, &s)
	if err != nil {
		return ChallengeState{}, err
	}
	if s.Provider == "" {
		return ChallengeState{}, ErrStateMalformed
	}
	s.IssuedAt = issuedAt.UTC()
	return s, nil
}

// DeriveKey returns a 32-byte key for purpose derived from secret with
// HKDF-SHA256.
func DeriveKey(secret []byte, purpose string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(keyInfoPrefix+purpose))
	// HKDF can produce up to 255*32 bytes; 32 never fails.
	_, _ = io.ReadFull(r, key)
	return key
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("state: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("state: creating GCM: %w", err)
	}
	return gcm, nil
}
