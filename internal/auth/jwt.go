// Package auth issues and verifies the access tokens handed out by the
// token endpoint after a successful external grant.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTokenTTL is used when no lifetime is configured.
	DefaultAccessTokenTTL = time.Hour

	// rsaKeyBits is the RSA key size used for generated signing keys.
	rsaKeyBits = 2048
)

// Claims holds the claims embedded in every access token. Standard claims
// (sub, exp, iat, iss, aud, jti) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID duplicates the subject under the "id" claim name.
	UserID string `json:"id"`

	// IdentityProvider is the external provider the user signed in with.
	IdentityProvider string `json:"idp"`

	// AuthMethods is always ["external"] for tokens from the external grant.
	AuthMethods []string `json:"amr"`

	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`

	ClientID string `json:"client_id,omitempty"`
}

// JWTManager handles RS256 signing and verification of access tokens.
// It holds the RSA key pair in memory after initialization.
type JWTManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

// NewJWTManagerFromFiles loads an RSA key pair from PEM files on disk.
// privateKeyPath must point to a PKCS#8 or PKCS#1 PEM-encoded private key.
// publicKeyPath must point to the corresponding PEM-encoded public key.
func NewJWTManagerFromFiles(privateKeyPath, publicKeyPath, issuer string, ttl time.Duration) (*JWTManager, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading private key file: %w", err)
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}

	return NewJWTManagerFromPEM(privBytes, pubBytes, issuer, ttl)
}

// NewJWTManagerGenerated creates a JWTManager with a freshly generated RSA
// key pair. The keys are not persisted, so every token issued before a
// restart stops verifying.
func NewJWTManagerGenerated(issuer string, ttl time.Duration) (*JWTManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}
	return newJWTManager(privateKey, &privateKey.PublicKey, issuer, ttl)
}

// NewJWTManagerFromPEM parses PEM-encoded RSA key bytes and returns a
// JWTManager.
func NewJWTManagerFromPEM(privatePEM, publicPEM []byte, issuer string, ttl time.Duration) (*JWTManager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	// Support both PKCS#1 (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) formats.
	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}
	if !publicKey.Equal(&privateKey.PublicKey) {
		return nil, errors.New("auth: public key does not match private key")
	}

	return newJWTManager(privateKey, publicKey, issuer, ttl)
}

func newJWTManager(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer string, ttl time.Duration) (*JWTManager, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)

	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &JWTManager{
		privateKey: priv,
		publicKey:  pub,
		keyID:      hex.EncodeToString(sum[:8]),
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// TTL is the lifetime of issued access tokens.
func (m *JWTManager) TTL() time.Duration {
	return m.ttl
}

// GenerateAccessToken signs an RS256 JWT carrying the grant's subject
// claims. Unknown claim names are ignored.
func (m *JWTManager) GenerateAccessToken(subject map[string]string, clientID string) (string, error) {
	if subject["sub"] == "" {
		return "", errors.New("auth: subject claim is required")
	}

	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject["sub"],
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		UserID:            subject["id"],
		IdentityProvider:  subject["idp"],
		PreferredUsername: subject["preferred_username"],
		Email:             subject["email"],
		Name:              subject["name"],
		ClientID:          clientID,
	}
	if amr := subject["amr"]; amr != "" {
		claims.AuthMethods = []string{amr}
	}
	if clientID != "" {
		claims.Audience = jwt.ClaimStrings{clientID}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = m.keyID

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}

	return signed, nil
}

// ValidateAccessToken parses and verifies a JWT string.
// Returns the embedded Claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than RS256.
			// This prevents the "alg:none" and HMAC confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// PublicKeyPEM returns the public key in PEM-encoded PKIX format.
func (m *JWTManager) PublicKeyPEM() ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	}), nil
}

// JWK is one entry of a JSON Web Key Set.
type JWK struct {
	KeyType   string `json:"kty"`
	KeyID     string `json:"kid"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// JWKS returns the verification key as a key set, for resource servers that
// validate access tokens themselves.
func (m *JWTManager) JWKS() map[string][]JWK {
	return map[string][]JWK{"keys": {{
		KeyType:   "RSA",
		KeyID:     m.keyID,
		Use:       "sig",
		Algorithm: "RS256",
		Modulus:   base64.RawURLEncoding.EncodeToString(m.publicKey.N.Bytes()),
		Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(m.publicKey.E)).Bytes()),
	}}}
}
